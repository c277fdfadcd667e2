// Package evm implements the ledger client against the AidRegistry contract
// on an EVM chain.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/ledger"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

// Backend captures the subset of ethclient used by the client.
type Backend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Options configures a Client.
type Options struct {
	RPCURL     string
	Contract   string
	ChainID    int64
	PrivateKey string
	ABIPath    string
}

// Client submits registry operations and reads receipts and logs.
type Client struct {
	backend  Backend
	address  common.Address
	chainID  *big.Int
	contract *bind.BoundContract
	matcher  *Matcher
	opts     *bind.TransactOpts

	// submitMu serializes submissions so nonces are assigned in order.
	submitMu sync.Mutex
}

// Dial connects to the node at opts.RPCURL and builds a Client.
func Dial(opts Options) (*Client, error) {
	c, err := ethclient.Dial(opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return NewClient(c, opts)
}

// NewClient builds a Client over an existing backend. A client without a
// private key can observe but not submit.
func NewClient(backend Backend, opts Options) (*Client, error) {
	if !common.IsHexAddress(opts.Contract) {
		return nil, fmt.Errorf("contract %q is not a valid address", opts.Contract)
	}
	registry, err := LoadABI(opts.ABIPath)
	if err != nil {
		return nil, err
	}
	address := common.HexToAddress(opts.Contract)
	chainID := big.NewInt(opts.ChainID)

	c := &Client{
		backend:  backend,
		address:  address,
		chainID:  chainID,
		contract: bind.NewBoundContract(address, *registry, backend, backend, backend),
		matcher:  NewMatcher(address, registry),
	}

	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.opts, err = bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
	}
	return c, nil
}

// Sender returns the submitting account, or the zero address when read-only.
func (c *Client) Sender() common.Address {
	if c.opts == nil {
		return common.Address{}
	}
	return c.opts.From
}

func (c *Client) Submit(ctx context.Context, payload record.Payload, rec ledger.HandleRecorder) (string, error) {
	if c.opts == nil {
		return "", errors.New("ledger client has no signing key")
	}
	method, args, err := packArgs(payload)
	if err != nil {
		return "", err
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	opts := *c.opts
	opts.Context = ctx
	opts.NoSend = true
	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	handle := tx.Hash().Hex()
	if err := rec(handle); err != nil {
		return "", fmt.Errorf("record handle %s: %w", handle, err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return handle, fmt.Errorf("%w: %s: %v", ledger.ErrBroadcastUnknown, method, err)
	}
	return handle, nil
}

func (c *Client) Receipt(ctx context.Context, handle string) (*ledger.Receipt, error) {
	hash := common.HexToHash(handle)
	rcpt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ledger.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", handle, err)
	}

	out := &ledger.Receipt{
		Handle:       handle,
		Success:      rcpt.Status == types.ReceiptStatusSuccessful,
		ResourceUsed: rcpt.GasUsed,
	}
	if rcpt.BlockNumber != nil {
		out.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	if !out.Success {
		out.RevertReason = c.revertReason(ctx, hash, rcpt.BlockNumber)
	}
	return out, nil
}

// revertReason replays the reverted call at its block to recover the
// reason string. Failures leave the reason empty.
func (c *Client) revertReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return ""
	}
	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, block)
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted: "); i >= 0 {
		return msg[i+len("execution reverted: "):]
	}
	return ""
}

func (c *Client) HeadNumber(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

func (c *Client) query(kinds []record.Kind) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{c.matcher.Topics(kinds)},
	}
}

func (c *Client) FilterLogs(ctx context.Context, kinds []record.Kind, from, to uint64) ([]ledger.LogEvent, error) {
	q := c.query(kinds)
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	out := make([]ledger.LogEvent, 0, len(logs))
	for _, lg := range logs {
		if ev, ok := c.matcher.Match(lg); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *Client) Subscribe(ctx context.Context, kinds []record.Kind) (ledger.Subscription, error) {
	raw := make(chan types.Log, 64)
	sub, err := c.backend.SubscribeFilterLogs(ctx, c.query(kinds), raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	s := &logSubscription{
		sub:    sub,
		events: make(chan ledger.LogEvent, 64),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
	go s.forward(c.matcher, raw)
	return s, nil
}

type logSubscription struct {
	sub    ethereum.Subscription
	events chan ledger.LogEvent
	errs   chan error
	quit   chan struct{}
	once   sync.Once
}

func (s *logSubscription) forward(m *Matcher, raw <-chan types.Log) {
	for {
		select {
		case lg := <-raw:
			ev, ok := m.Match(lg)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.quit:
				return
			}
		case err := <-s.sub.Err():
			if err == nil {
				err = errors.New("log subscription closed")
			}
			s.errs <- err
			return
		case <-s.quit:
			return
		}
	}
}

func (s *logSubscription) Events() <-chan ledger.LogEvent { return s.events }
func (s *logSubscription) Err() <-chan error              { return s.errs }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}

var _ ledger.Client = (*Client)(nil)

