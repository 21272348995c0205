package solana

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Address lookup table account layout: 56-byte header followed by packed
// 32-byte addresses.
const lookupTableHeaderLen = 56

// lookupService fetches and caches on-chain address lookup tables so the
// builder can reference accounts by index in versioned transactions.
type lookupService struct {
	rpcClient *rpc.Client

	mu     sync.Mutex
	tables map[solana.PublicKey]solana.PublicKeySlice
}

func newLookupService(rpcClient *rpc.Client) *lookupService {
	return &lookupService{
		rpcClient: rpcClient,
		tables:    make(map[solana.PublicKey]solana.PublicKeySlice),
	}
}

// Resolve returns the address contents of each table, fetching uncached
// ones. Table contents are append-only on chain, so a cached copy only
// ever misses trailing additions; the builder falls back to static keys
// for addresses a stale table does not cover.
func (s *lookupService) Resolve(ctx context.Context, tables []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error) {
	out := make(map[solana.PublicKey]solana.PublicKeySlice, len(tables))
	for _, table := range tables {
		addresses, err := s.fetch(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve lookup table %s: %w", table, err)
		}
		out[table] = addresses
	}
	return out, nil
}

func (s *lookupService) fetch(ctx context.Context, table solana.PublicKey) (solana.PublicKeySlice, error) {
	s.mu.Lock()
	cached, ok := s.tables[table]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	info, err := s.rpcClient.GetAccountInfo(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get table account: %w", err)
	}
	if info.Value == nil {
		return nil, fmt.Errorf("lookup table account not found")
	}

	addresses, err := parseLookupTable(info.Value.Data.GetBinary())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tables[table] = addresses
	s.mu.Unlock()
	return addresses, nil
}

func parseLookupTable(data []byte) (solana.PublicKeySlice, error) {
	if len(data) < lookupTableHeaderLen {
		return nil, fmt.Errorf("lookup table data too short: %d bytes", len(data))
	}
	body := data[lookupTableHeaderLen:]
	if len(body)%32 != 0 {
		return nil, fmt.Errorf("lookup table body is not a whole number of addresses: %d bytes", len(body))
	}

	addresses := make(solana.PublicKeySlice, 0, len(body)/32)
	for off := 0; off < len(body); off += 32 {
		addresses = append(addresses, solana.PublicKeyFromBytes(body[off:off+32]))
	}
	return addresses, nil
}
