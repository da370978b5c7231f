// Package execution submits reconciled trades on-chain and keeps a durable
// trade log. The ledger is the source of truth; execution follows it and
// never feeds back into portfolio arithmetic.
package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/execution/signer"
)

// USDC on Base, the quote side of every swap.
const QuoteTokenAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

const quoteDecimals = 6

type ExecuteOptions struct {
	Simulate      bool
	PollInterval  time.Duration
	TxTimeout     time.Duration
	GasMultiplier float64
}

func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		Simulate:      true,
		PollInterval:  2 * time.Second,
		TxTimeout:     2 * time.Minute,
		GasMultiplier: 1.2,
	}
}

// ExecuteTrade submits one swap through the router and waits for its
// receipt, updating the trade record in the store at every transition.
func ExecuteTrade(ctx context.Context, store *Store, trade *Trade, rpcURL, router string, txSigner signer.Signer, opts ExecuteOptions) error {
	if trade == nil {
		return clierr.New(clierr.CodeInternal, "missing trade")
	}
	if txSigner == nil {
		return clierr.New(clierr.CodeExecution, "missing signer")
	}
	if strings.TrimSpace(rpcURL) == "" {
		return clierr.New(clierr.CodeUsage, "missing rpc url")
	}
	if !common.IsHexAddress(router) {
		return clierr.New(clierr.CodeUsage, "invalid router address")
	}
	if !common.IsHexAddress(trade.Address) {
		return clierr.New(clierr.CodeUsage, "trade has no valid token address")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 2 * time.Minute
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		markFailed(store, trade, err.Error())
		return clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	defer client.Close()

	if err := submitAndWait(ctx, client, store, trade, router, txSigner, opts); err != nil {
		markFailed(store, trade, err.Error())
		return err
	}
	trade.Status = TradeStatusConfirmed
	trade.Touch()
	saveQuiet(store, trade)
	return nil
}

func submitAndWait(ctx context.Context, client *ethclient.Client, store *Store, trade *Trade, router string, txSigner signer.Signer, opts ExecuteOptions) error {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if trade.ChainID != 0 && trade.ChainID != chainID.Int64() {
		return clierr.New(clierr.CodeExecution, fmt.Sprintf("trade chain mismatch: expected %d, rpc reports %d", trade.ChainID, chainID.Int64()))
	}

	target := common.HexToAddress(router)
	data, err := swapCalldata(trade)
	if err != nil {
		return err
	}
	msg := ethereum.CallMsg{From: txSigner.Address(), To: &target, Value: big.NewInt(0), Data: data}

	if opts.Simulate {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return clierr.Wrap(clierr.CodeExecution, "simulate swap (eth_call)", err)
		}
	}

	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return clierr.Wrap(clierr.CodeExecution, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * opts.GasMultiplier)

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000) // 2 gwei fallback
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := client.PendingNonceAt(ctx, txSigner.Address())
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := txSigner.SignTx(chainID, tx)
	if err != nil {
		return clierr.Wrap(clierr.CodeExecution, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	trade.Status = TradeStatusSubmitted
	trade.TxHash = signed.Hash().Hex()
	trade.Touch()
	saveQuiet(store, trade)

	waitCtx, cancel := context.WithTimeout(ctx, opts.TxTimeout)
	defer cancel()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, signed.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return clierr.New(clierr.CodeExecution, "swap reverted on-chain")
		}
		// Transient polling failures and NotFound both fall through to
		// the next tick until the timeout fires.
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeExecution, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// swapCalldata encodes swap(address tokenIn, address tokenOut, uint256 amountIn)
// for the configured router. Buys spend quote units, sells spend token units
// (assumed 18 decimals, the norm for Base memecoins).
func swapCalldata(trade *Trade) ([]byte, error) {
	token := common.HexToAddress(trade.Address)
	quote := common.HexToAddress(QuoteTokenAddress)

	var tokenIn, tokenOut common.Address
	var amountIn *big.Int
	switch trade.Action {
	case "buy":
		tokenIn, tokenOut = quote, token
		amountIn = toUnits(trade.AmountQuote, quoteDecimals)
	case "sell":
		tokenIn, tokenOut = token, quote
		amountIn = toUnits(trade.AmountToken, 18)
	default:
		return nil, clierr.New(clierr.CodeExecution, "unknown trade action "+trade.Action)
	}
	if amountIn.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeExecution, "trade amount rounds to zero on-chain units")
	}

	selector := crypto.Keccak256([]byte("swap(address,address,uint256)"))[:4]
	data := make([]byte, 0, 4+3*32)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(tokenIn.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(tokenOut.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amountIn.Bytes(), 32)...)
	return data, nil
}

func toUnits(amount float64, decimals int) *big.Int {
	rat := new(big.Rat).SetFloat64(amount)
	if rat == nil || rat.Sign() <= 0 {
		return big.NewInt(0)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	out := new(big.Int).Quo(rat.Num(), rat.Denom())
	return out
}

func markFailed(store *Store, trade *Trade, msg string) {
	trade.Status = TradeStatusFailed
	trade.Error = msg
	trade.Touch()
	saveQuiet(store, trade)
}

func saveQuiet(store *Store, trade *Trade) {
	if store != nil {
		_ = store.Save(*trade)
	}
}
