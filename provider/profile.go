package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	identity "github.com/goliatone/go-identity"
)

// SubjectProfile maps documents whose user id lives under idField. The whole
// document is kept as profile data.
func SubjectProfile(idField string) ProfileMapper {
	return func(raw map[string]any) (*identity.ProviderProfile, error) {
		id := stringify(raw[idField])
		if id == "" {
			return nil, fmt.Errorf("user info has no %q", idField)
		}
		return &identity.ProviderProfile{
			ProviderUserID: id,
			ProfileData:    raw,
		}, nil
	}
}

// GoogleProfile maps the Google (OpenID Connect) userinfo document.
func GoogleProfile(raw map[string]any) (*identity.ProviderProfile, error) {
	id := stringify(raw["sub"])
	if id == "" {
		return nil, fmt.Errorf("google user info has no subject")
	}

	return &identity.ProviderProfile{
		ProviderUserID: id,
		ProfileData: pick(raw,
			"sub",
			"email",
			"email_verified",
			"name",
			"given_name",
			"family_name",
			"picture",
			"locale",
		),
	}, nil
}

// GitHubProfile maps the GitHub /user document. GitHub ids are numbers and
// are kept exact.
func GitHubProfile(raw map[string]any) (*identity.ProviderProfile, error) {
	id := stringify(raw["id"])
	if id == "" {
		return nil, fmt.Errorf("github user has no id")
	}

	return &identity.ProviderProfile{
		ProviderUserID: id,
		ProfileData: pick(raw,
			"id",
			"login",
			"name",
			"email",
			"avatar_url",
			"html_url",
			"company",
			"blog",
			"location",
			"bio",
		),
	}, nil
}

func pick(raw map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if n, isNum := v.(json.Number); isNum {
			if i, err := n.Int64(); err == nil {
				v = i
			} else {
				v = n.String()
			}
		}
		out[k] = v
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return fmt.Sprintf("%.0f", x)
	case int64:
		return fmt.Sprintf("%d", x)
	case int:
		return fmt.Sprintf("%d", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
