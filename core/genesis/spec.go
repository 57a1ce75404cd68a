package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"
)

// Spec is the ledger's genesis document: initial AGO balances and role
// grants. Amounts are decimal strings so allocations survive JSON number
// precision.
type Spec struct {
	GenesisTime string              `json:"genesisTime"`
	ChainID     *uint64             `json:"chainId,omitempty"`
	Alloc       map[string]string   `json:"alloc"` // addr -> AGO amount
	Roles       map[string][]string `json:"roles"` // role -> []addr

	genesisTimestamp time.Time
	chainIDValue     uint64
	hasChainID       bool
}

// LoadSpec reads and validates a genesis document. Unknown fields are
// rejected so typos never silently drop allocations.
func LoadSpec(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseSpec decodes and validates a genesis document from raw JSON.
func ParseSpec(raw []byte) (*Spec, error) {
	var spec Spec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *Spec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

func (s *Spec) ChainIDValue() (uint64, bool) {
	if s.hasChainID {
		return s.chainIDValue, true
	}
	return 0, false
}

func (s *Spec) validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	s.hasChainID = false
	s.chainIDValue = 0
	if s.ChainID != nil {
		s.hasChainID = true
		s.chainIDValue = *s.ChainID
	}

	if len(s.Alloc) > 0 {
		accounts := make([]string, 0, len(s.Alloc))
		for account := range s.Alloc {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			if _, err := ParseBech32Account(account); err != nil {
				return fmt.Errorf("alloc[%q]: %w", account, err)
			}
			amount := s.Alloc[account]
			if strings.TrimSpace(amount) == "" {
				return fmt.Errorf("alloc[%q]: amount must be provided", account)
			}
			if _, err := parseAmountString(amount); err != nil {
				return fmt.Errorf("alloc[%q]: %w", account, err)
			}
		}
	}

	roleNames := make([]string, 0, len(s.Roles))
	for role := range s.Roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("roles: role name must be provided")
		}
		accounts := s.Roles[role]
		seen := make(map[string]struct{}, len(accounts))
		for i, account := range accounts {
			addr, err := ParseBech32Account(account)
			if err != nil {
				return fmt.Errorf("roles[%q][%d]: %w", role, i, err)
			}
			key := string(addr[:])
			if _, dup := seen[key]; dup {
				return fmt.Errorf("roles[%q][%d]: duplicate address %q", role, i, account)
			}
			seen[key] = struct{}{}
		}
	}
	return nil
}

func parseAmountString(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func parseGenesisTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid genesisTime %q", value)
}
