// Package validation checks chain catalogs and read requests before they reach a provider.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
	"github.com/yourorg/wallet-sync/internal/types"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ErrEmptyCatalog is returned when no chain is configured.
var ErrEmptyCatalog = errors.New("at least one chain must be configured")

// ValidateChain checks a single chain descriptor.
func ValidateChain(c types.Chain) error {
	if err := instance().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("chain %d (%s): %s", c.ID, c.Name, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("chain %d: %w", c.ID, err)
	}
	if c.DefaultRPCURL() == "" {
		return fmt.Errorf("chain %d (%s): no rpc url", c.ID, c.Name)
	}
	if mc := c.Contracts.Multicall3; mc != nil && mc.Address == (common.Address{}) {
		return fmt.Errorf("chain %d (%s): multicall3 address is zero", c.ID, c.Name)
	}
	return nil
}

// ValidateChains checks every chain and rejects duplicate ids.
func ValidateChains(chains []types.Chain) error {
	if len(chains) == 0 {
		return ErrEmptyCatalog
	}
	seen := make(map[int64]bool, len(chains))
	for _, c := range chains {
		if err := ValidateChain(c); err != nil {
			return err
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate chain id %d", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// FilterInvalid drops chains that fail validation or repeat an earlier id.
// Used for catalogs loaded from files, where one bad entry should not sink the rest.
func FilterInvalid(chains []types.Chain) []types.Chain {
	valid := make([]types.Chain, 0, len(chains))
	seen := make(map[int64]bool, len(chains))
	for _, c := range chains {
		if err := ValidateChain(c); err != nil {
			logrus.WithFields(logrus.Fields{
				"chainId": c.ID,
				"name":    c.Name,
			}).Warnf("Filtered invalid chain: %v", err)
			continue
		}
		if seen[c.ID] {
			logrus.WithField("chainId", c.ID).Warn("Filtered duplicate chain")
			continue
		}
		seen[c.ID] = true
		valid = append(valid, c)
	}
	return valid
}

// ValidateReadTarget checks the parts of a contract read that do not need the ABI.
func ValidateReadTarget(chains []types.Chain, chainID int64, address common.Address, functionName string) error {
	if _, ok := types.FindChain(chains, chainID); !ok {
		return walleterrors.NewChainNotConfiguredError(chainID)
	}
	if address == (common.Address{}) {
		return errors.New("contract address is required")
	}
	if functionName == "" {
		return errors.New("function name is required")
	}
	return nil
}

// ValidateAddress checks and checksums a user supplied address.
func ValidateAddress(raw string) (common.Address, error) {
	if err := instance().Var(raw, "required,eth_addr"); err != nil {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}
