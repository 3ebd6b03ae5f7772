package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Port keys and their defaults as they appear in ports.json.
const (
	PortNIter         = "n_iter"
	PortTermEps       = "term_eps"
	PortInputsAreZips = "inputs_are_zips"

	DefaultNIter         = "1000"
	DefaultTermEps       = "1e-4"
	DefaultInputsAreZips = "false"
)

// Ports are the typed batch settings read from the ports document.
type Ports struct {
	NIter         int     `json:"n_iter"`
	TermEps       float64 `json:"term_eps"`
	InputsAreZips bool    `json:"inputs_are_zips"`
}

// DefaultPorts returns the settings used when the document names no keys.
func DefaultPorts() Ports {
	return Ports{NIter: 1000, TermEps: 1e-4}
}

// ConversionError reports one port value that could not be used.
type ConversionError struct {
	Field    string
	Value    string
	Expected string // Integer, Float, Boolean
	Reason   string
}

func (e *ConversionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("Input %s=%s is invalid: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("Inputs %s cannot be converted to type %s", e.Value, e.Expected)
}

// ConversionErrors lists every malformed port value of one document.
type ConversionErrors []*ConversionError

func (errs ConversionErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (errs ConversionErrors) Unwrap() []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// LoadPorts reads and parses the ports document at path.
func LoadPorts(path string) (Ports, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Ports{}, fmt.Errorf("read ports file: %w", err)
	}
	return ParsePorts(data)
}

// ParsePorts parses a flat JSON (or YAML) object of port values. Values may
// be strings or scalars; missing keys take their defaults.
func ParsePorts(data []byte) (Ports, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Ports{}, fmt.Errorf("parse ports: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		values[k] = stringify(v)
	}
	return PortsFromStrings(values)
}

// PortsFromStrings converts string-typed port values, reporting all
// malformed fields together.
func PortsFromStrings(values map[string]string) (Ports, error) {
	get := func(key, def string) string {
		if v, ok := values[key]; ok {
			return v
		}
		return def
	}

	var (
		p    Ports
		errs ConversionErrors
	)

	nIter := get(PortNIter, DefaultNIter)
	if n, err := strconv.Atoi(strings.TrimSpace(nIter)); err != nil {
		errs = append(errs, &ConversionError{Field: PortNIter, Value: nIter, Expected: "Integer"})
	} else if n <= 0 {
		errs = append(errs, &ConversionError{Field: PortNIter, Value: nIter, Expected: "Integer", Reason: "must be positive"})
	} else {
		p.NIter = n
	}

	termEps := get(PortTermEps, DefaultTermEps)
	if f, err := strconv.ParseFloat(strings.TrimSpace(termEps), 64); err != nil {
		errs = append(errs, &ConversionError{Field: PortTermEps, Value: termEps, Expected: "Float"})
	} else if !(f > 0) {
		errs = append(errs, &ConversionError{Field: PortTermEps, Value: termEps, Expected: "Float", Reason: "must be positive"})
	} else {
		p.TermEps = f
	}

	zips := get(PortInputsAreZips, DefaultInputsAreZips)
	if b, err := boolFromString(zips); err != nil {
		errs = append(errs, &ConversionError{Field: PortInputsAreZips, Value: zips, Expected: "Boolean"})
	} else {
		p.InputsAreZips = b
	}

	if len(errs) > 0 {
		return Ports{}, errs
	}
	return p, nil
}

// Strings renders p back into the string form of the ports document.
func (p Ports) Strings() map[string]string {
	return map[string]string{
		PortNIter:         strconv.Itoa(p.NIter),
		PortTermEps:       strconv.FormatFloat(p.TermEps, 'g', -1, 64),
		PortInputsAreZips: strconv.FormatBool(p.InputsAreZips),
	}
}

func boolFromString(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected value: %s. Could not convert to boolean", s)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
