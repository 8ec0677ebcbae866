package connector

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
	"github.com/yourorg/wallet-sync/internal/emitter"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/types"
)

type switchChainParams struct {
	ChainID string `json:"chainId"`
}

type addChainParams struct {
	ChainID           string               `json:"chainId"`
	ChainName         string               `json:"chainName"`
	NativeCurrency    types.NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string             `json:"rpcUrls"`
	BlockExplorerURLs []string             `json:"blockExplorerUrls,omitempty"`
}

func newAddChainParams(chain types.Chain) addChainParams {
	params := addChainParams{
		ChainID:           chain.HexID(),
		ChainName:         chain.Name,
		NativeCurrency:    chain.NativeCurrency,
		BlockExplorerURLs: chain.ExplorerURLs(),
	}
	if url := chain.DefaultRPCURL(); url != "" {
		params.RPCURLs = []string{url}
	}
	return params
}

// switchChain asks the wallet to move to chainID, adding the chain when the
// wallet does not know it. A successful provider call is confirmed by the
// connector's change event or, when that has not arrived yet, by reading the
// chain id back; failing both it waits for the event until ctx is done.
func switchChain(
	ctx context.Context,
	p provider.Provider,
	em *emitter.Emitter,
	chains []types.Chain,
	chainID int64,
	readChainID func(ctx context.Context) (int64, error),
) (types.Chain, error) {
	chain, ok := types.FindChain(chains, chainID)
	if !ok {
		return types.Chain{}, walleterrors.NewSwitchChainError(chainID, walleterrors.NewChainNotConfiguredError(chainID))
	}

	confirmed := make(chan struct{}, 1)
	sub := em.On(emitter.EventChange, func(payload emitter.Payload) {
		if payload.ChainID == chainID {
			select {
			case confirmed <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	_, err := p.Request(ctx, provider.MethodSwitchChain, switchChainParams{ChainID: chain.HexID()})
	if err == nil {
		return awaitSwitch(ctx, chain, confirmed, readChainID)
	}

	if provider.HasCode(err, provider.CodeUnrecognizedChain) {
		logrus.WithField("chainId", chainID).Debug("wallet does not know chain, adding it")
		if _, addErr := p.Request(ctx, provider.MethodAddChain, newAddChainParams(chain)); addErr != nil {
			return types.Chain{}, walleterrors.NewUserRejectedRequestError(addErr)
		}
		current, readErr := readChainID(ctx)
		if readErr != nil {
			return types.Chain{}, walleterrors.NewUserRejectedRequestError(readErr)
		}
		if current != chainID {
			return types.Chain{}, walleterrors.NewUserRejectedRequestError(errors.New("user rejected switch after adding network"))
		}
		return chain, nil
	}

	if provider.ErrorCode(err) == provider.CodeUserRejected {
		return types.Chain{}, walleterrors.NewUserRejectedRequestError(err)
	}
	return types.Chain{}, walleterrors.NewSwitchChainError(chainID, err)
}

func awaitSwitch(ctx context.Context, chain types.Chain, confirmed <-chan struct{}, readChainID func(context.Context) (int64, error)) (types.Chain, error) {
	select {
	case <-confirmed:
		return chain, nil
	default:
	}
	if current, err := readChainID(ctx); err == nil && current == chain.ID {
		return chain, nil
	}
	select {
	case <-confirmed:
		return chain, nil
	case <-ctx.Done():
		return types.Chain{}, walleterrors.NewSwitchChainError(chain.ID, ctx.Err())
	}
}
