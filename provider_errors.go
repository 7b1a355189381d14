package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError is a failed call to an identity provider, reduced to the
// fields the orchestrator reports.
type ProviderError struct {
	Provider    ProviderID
	Operation   string
	Status      int
	Code        string
	Description string
	Err         error
	Raw         map[string]any
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "identity provider error"
	}

	var b strings.Builder
	b.WriteString("identity provider")
	for _, part := range []string{string(e.Provider), e.Operation} {
		if part != "" {
			b.WriteString(" ")
			b.WriteString(part)
		}
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}

	reasons := make([]string, 0, 2)
	for _, r := range []string{e.Code, e.Description} {
		if r != "" {
			reasons = append(reasons, r)
		}
	}
	if len(reasons) == 0 && e.Err != nil {
		reasons = append(reasons, e.Err.Error())
	}
	if len(reasons) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(reasons, ": "))
	}

	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Metadata returns the non zero fields keyed for logs and error metadata.
func (e *ProviderError) Metadata() map[string]any {
	if e == nil {
		return nil
	}

	meta := map[string]any{}
	set := func(key string, value any, ok bool) {
		if ok {
			meta[key] = value
		}
	}
	set("provider", string(e.Provider), e.Provider != "")
	set("operation", e.Operation, e.Operation != "")
	set("status", e.Status, e.Status != 0)
	set("code", e.Code, e.Code != "")
	set("description", e.Description, e.Description != "")
	set("raw", e.Raw, len(e.Raw) > 0)

	return meta
}

// wrapProviderError clones ErrProviderFault with err as its source and the
// provider details as metadata.
func wrapProviderError(provider ProviderID, operation string, err error) error {
	meta := map[string]any{
		"provider":  string(provider),
		"operation": operation,
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr != nil {
		for k, v := range perr.Metadata() {
			meta[k] = v
		}
	} else if err != nil {
		meta["error"] = err.Error()
	}

	clone := ErrProviderFault.Clone()
	if clone == nil {
		return fmt.Errorf("%w: %s %s: %w", ErrProviderFault, provider, operation, err)
	}
	if err != nil {
		clone.Source = err
	}
	clone.WithMetadata(meta)

	return clone
}
