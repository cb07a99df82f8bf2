package cmd

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/charmbracelet/huh"

	"github.com/nextlevelbuilder/botlink/internal/store"
)

// Validator checks a prompt answer inside the form, so the user can correct it
// before the form closes. Empty answers are checked after the default applies.
type Validator func(string) error

// runForm runs a single-field form with key hints shown.
func runForm(field huh.Field) error {
	return huh.NewForm(huh.NewGroup(field)).WithShowHelp(true).Run()
}

// promptString asks for a line of text. An empty answer yields defaultVal,
// which is shown as the placeholder.
func promptString(title, description, defaultVal string, validate Validator) (string, error) {
	var value string
	inp := huh.NewInput().Title(title).Value(&value)
	if description != "" {
		inp = inp.Description(description)
	}
	if defaultVal != "" {
		inp = inp.Placeholder(defaultVal)
	}
	if validate != nil {
		inp = inp.Validate(func(s string) error {
			if s == "" {
				s = defaultVal
			}
			return validate(s)
		})
	}

	if err := runForm(inp); err != nil {
		return "", err
	}
	if value == "" {
		return defaultVal, nil
	}
	return value, nil
}

// promptSecret asks for a hidden value. keep is returned for an empty answer.
func promptSecret(title, description, keep string, validate Validator) (string, error) {
	var value string
	inp := huh.NewInput().Title(title).EchoMode(huh.EchoModePassword).Value(&value)
	if description != "" {
		inp = inp.Description(description)
	}
	if validate != nil {
		inp = inp.Validate(func(s string) error {
			if s == "" {
				s = keep
			}
			return validate(s)
		})
	}

	if err := runForm(inp); err != nil {
		return "", err
	}
	if value == "" {
		return keep, nil
	}
	return value, nil
}

// promptSelect shows a single-choice list and returns the chosen value.
func promptSelect[T comparable](title string, options []SelectOption[T], defaultIdx int) (T, error) {
	var value T
	opts := make([]huh.Option[T], len(options))
	for i, o := range options {
		opts[i] = huh.NewOption(o.Label, o.Value).Selected(i == defaultIdx)
	}
	if err := runForm(huh.NewSelect[T]().Title(title).Options(opts...).Value(&value)); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// promptConfirm asks a yes/no question.
func promptConfirm(title string, defaultYes bool) (bool, error) {
	value := defaultYes
	c := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&value)
	if err := runForm(c); err != nil {
		return false, err
	}
	return value, nil
}

// SelectOption is one entry of a select prompt.
type SelectOption[T any] struct {
	Label string
	Value T
}

// idValidator checks user and target identifiers the way the API does.
func idValidator(kind string) Validator {
	return func(s string) error { return store.ValidateID(kind, s) }
}

func validateBackendURL(s string) error {
	u, err := url.Parse(s)
	if s == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("backend URL must be an http(s) URL")
	}
	return nil
}

func required(what string) Validator {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}
