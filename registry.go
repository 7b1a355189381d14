package identity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-errors"
)

var providerIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ProviderRegistry maps enabled provider ids to their clients. It is built
// once at startup and read only afterwards.
type ProviderRegistry struct {
	clients map[ProviderID]IdentityProviderClient
	order   []ProviderID
}

// NewProviderRegistry validates clients and returns a registry. Provider ids
// must be lower case slugs and every client must be non nil.
func NewProviderRegistry(clients map[ProviderID]IdentityProviderClient) (*ProviderRegistry, error) {
	r := &ProviderRegistry{
		clients: make(map[ProviderID]IdentityProviderClient, len(clients)),
	}

	for id, client := range clients {
		if err := r.register(id, client); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *ProviderRegistry) register(id ProviderID, client IdentityProviderClient) error {
	err := validation.Validate(string(id),
		validation.Required,
		validation.Match(providerIDPattern),
	)
	if err != nil {
		return errors.Wrap(err, errors.CategoryValidation, fmt.Sprintf("invalid provider id %q", id)).
			WithTextCode(TextCodeProviderDisabled)
	}

	if client == nil {
		return errors.New(fmt.Sprintf("provider %s has no client", id), errors.CategoryValidation).
			WithTextCode(TextCodeProviderDisabled)
	}

	if _, dup := r.clients[id]; !dup {
		r.order = append(r.order, id)
		sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	}
	r.clients[id] = client

	return nil
}

// CanonicalProviderID returns id trimmed and lower cased. Providers are
// registered, looked up and stored under this form.
func CanonicalProviderID(id ProviderID) ProviderID {
	return ProviderID(strings.ToLower(strings.TrimSpace(string(id))))
}

// Lookup returns the canonical form of id and its client, or
// ErrProviderDisabled.
func (r *ProviderRegistry) Lookup(id ProviderID) (ProviderID, IdentityProviderClient, error) {
	if r == nil {
		return "", nil, ErrProviderDisabled
	}

	key := CanonicalProviderID(id)
	client, ok := r.clients[key]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrProviderDisabled, id)
	}

	return key, client, nil
}

// Client returns the client for id or ErrProviderDisabled.
func (r *ProviderRegistry) Client(id ProviderID) (IdentityProviderClient, error) {
	_, client, err := r.Lookup(id)
	return client, err
}

// Enabled reports whether id has a registered client.
func (r *ProviderRegistry) Enabled(id ProviderID) bool {
	_, err := r.Client(id)
	return err == nil
}

// Providers lists the enabled provider ids in sorted order.
func (r *ProviderRegistry) Providers() []ProviderID {
	if r == nil {
		return nil
	}
	return append([]ProviderID(nil), r.order...)
}
