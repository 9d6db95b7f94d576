// Package registry holds the immutable mapping from recipient
// addresses to Telegram delivery targets. It is built once at startup
// and only read afterwards, so lookups need no locking.
package registry

import (
	"strings"

	"github.com/mixelka/tginbox/pkg/models"
)

// Registry resolves recipient addresses to configured accounts.
type Registry struct {
	accounts map[string]models.Account
}

// New builds a registry from validated accounts. Addresses are
// canonicalized, so alice@Example.COM and ALICE@example.com are the
// same entry.
func New(accounts []models.Account) *Registry {
	m := make(map[string]models.Account, len(accounts))
	for _, acc := range accounts {
		m[Canonical(acc.Address)] = acc
	}
	return &Registry{accounts: m}
}

// Resolve returns the account configured for the given recipient
// address. Matching is exact on the canonical form; there is no
// wildcard or alias expansion and no fallback account.
func (r *Registry) Resolve(address string) (models.Account, bool) {
	acc, ok := r.accounts[Canonical(address)]
	return acc, ok
}

// Len returns the number of configured accounts.
func (r *Registry) Len() int {
	return len(r.accounts)
}

// Canonical normalizes an address for matching: surrounding
// whitespace and angle brackets are stripped, local part and domain
// are lower-cased.
func Canonical(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "<")
	address = strings.TrimSuffix(address, ">")
	return strings.ToLower(address)
}
