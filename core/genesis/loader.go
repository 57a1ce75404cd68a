package genesis

import (
	"fmt"
	"math/big"
	"sort"

	"agora/core/state"
)

var appliedKey = []byte("ledger/genesis-applied")

// Applied reports whether the genesis document has already been written into
// state.
func Applied(manager *state.Manager) (bool, error) {
	if manager == nil {
		return false, fmt.Errorf("state manager must not be nil")
	}
	var done bool
	found, err := manager.KVGet(appliedKey, &done)
	if err != nil {
		return false, err
	}
	return found && done, nil
}

// Apply writes the genesis allocations and role grants into a fresh ledger.
// Application order is deterministic (sorted addresses, sorted roles) so two
// nodes starting from the same document hold identical state. Applying twice
// is an error; callers gate on Applied.
func Apply(spec *Spec, manager *state.Manager) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return fmt.Errorf("state manager must not be nil")
	}
	if err := spec.validate(); err != nil {
		return err
	}
	done, err := Applied(manager)
	if err != nil {
		return err
	}
	if done {
		return fmt.Errorf("genesis already applied")
	}

	accounts := make([]string, 0, len(spec.Alloc))
	for account := range spec.Alloc {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	for _, addrStr := range accounts {
		parsed, err := ParseBech32Account(addrStr)
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		amount, err := parseAmountString(spec.Alloc[addrStr])
		if err != nil {
			return fmt.Errorf("alloc[%q]: %w", addrStr, err)
		}
		account, err := manager.GetAccount(parsed[:])
		if err != nil {
			return fmt.Errorf("load account %q: %w", addrStr, err)
		}
		account.BalanceAGO = new(big.Int).Set(amount)
		if err := manager.PutAccount(parsed[:], account); err != nil {
			return fmt.Errorf("persist account %q: %w", addrStr, err)
		}
	}

	roleNames := make([]string, 0, len(spec.Roles))
	for role := range spec.Roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		addresses := append([]string(nil), spec.Roles[role]...)
		sort.Strings(addresses)
		for _, addrStr := range addresses {
			parsed, err := ParseBech32Account(addrStr)
			if err != nil {
				return fmt.Errorf("roles[%q]: %w", role, err)
			}
			if err := manager.SetRole(role, parsed[:]); err != nil {
				return fmt.Errorf("roles[%q]: %w", role, err)
			}
		}
	}

	// The KV codec is RLP, which has no signed integers.
	if err := manager.KVPut([]byte("ledger/genesis-time"), uint64(spec.GenesisTimestamp().Unix())); err != nil {
		return fmt.Errorf("persist genesis time: %w", err)
	}
	if chainID, ok := spec.ChainIDValue(); ok {
		if err := manager.KVPut([]byte("ledger/chain-id"), chainID); err != nil {
			return fmt.Errorf("persist chain id: %w", err)
		}
	}
	if err := manager.HeightSet(0); err != nil {
		return fmt.Errorf("reset height: %w", err)
	}
	return manager.KVPut(appliedKey, true)
}
