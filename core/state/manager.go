package state

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"invoicechain/core/types"
	"invoicechain/storage"
)

// Manager provides the escrow ledger's state access layer. Keys are hashed
// with keccak256 before hitting the backing store and values are RLP
// encoded. Writes are buffered in a journal until Commit so a failed
// operation can be discarded without partial effects.
//
// Manager is not safe for concurrent use; callers serialise access.
type Manager struct {
	db      storage.Database
	journal map[string][]byte
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	accountPrefix   = []byte("account:")
	allowancePrefix = []byte("allowance:")
	rolePrefix      = []byte("role:")
)

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func allowanceKey(token string, owner, spender []byte) []byte {
	buf := make([]byte, 0, len(allowancePrefix)+len(token)+len(owner)+len(spender)+2)
	buf = append(buf, allowancePrefix...)
	buf = append(buf, token...)
	buf = append(buf, ':')
	buf = append(buf, owner...)
	buf = append(buf, ':')
	buf = append(buf, spender...)
	return ethcrypto.Keccak256(buf)
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return ethcrypto.Keccak256(buf)
}

// Begin opens a write journal. Subsequent writes stay in memory until Commit.
func (m *Manager) Begin() {
	m.journal = make(map[string][]byte)
}

// Commit flushes the journal to the backing store and closes it.
func (m *Manager) Commit() error {
	if m.journal == nil {
		return nil
	}
	keys := make([]string, 0, len(m.journal))
	for k := range m.journal {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.db.Put([]byte(k), m.journal[k]); err != nil {
			return err
		}
	}
	m.journal = nil
	return nil
}

// Rollback discards all journalled writes.
func (m *Manager) Rollback() {
	m.journal = nil
}

func (m *Manager) write(hashedKey, value []byte) error {
	if m.journal != nil {
		m.journal[string(hashedKey)] = append([]byte(nil), value...)
		return nil
	}
	return m.db.Put(hashedKey, value)
}

func (m *Manager) read(hashedKey []byte) ([]byte, error) {
	if m.journal != nil {
		if value, ok := m.journal[string(hashedKey)]; ok {
			return append([]byte(nil), value...), nil
		}
	}
	ok, err := m.db.Has(hashedKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return m.db.Get(hashedKey)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before insertion.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.write(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// storedAccount is the RLP shape of an account. Balance symbols are kept in
// a sorted slice because RLP has no map support.
type storedAccount struct {
	Nonce   uint64
	Symbols []string
	Amounts []*big.Int
}

// GetAccount loads the account record for the supplied address, returning a
// zeroed account when none exists.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("state: address must not be empty")
	}
	data, err := m.read(accountKey(addr))
	if err != nil {
		return nil, err
	}
	account := types.NewAccount()
	if len(data) == 0 {
		return account, nil
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	if len(stored.Symbols) != len(stored.Amounts) {
		return nil, fmt.Errorf("state: corrupt account record")
	}
	account.Nonce = stored.Nonce
	for i, symbol := range stored.Symbols {
		account.SetBalance(symbol, stored.Amounts[i])
	}
	return account, nil
}

// PutAccount persists the account record for the supplied address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	if account == nil {
		account = types.NewAccount()
	}
	stored := &storedAccount{Nonce: account.Nonce}
	symbols := make([]string, 0, len(account.Balances))
	for symbol := range account.Balances {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		stored.Symbols = append(stored.Symbols, symbol)
		stored.Amounts = append(stored.Amounts, account.Balance(symbol))
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.write(accountKey(addr), encoded)
}

// Allowance returns the spendable allowance granted by owner to spender for
// the supplied token. Missing entries read as zero.
func (m *Manager) Allowance(token string, owner, spender []byte) (*big.Int, error) {
	data, err := m.read(allowanceKey(token, owner, spender))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetAllowance stores the allowance granted by owner to spender.
func (m *Manager) SetAllowance(token string, owner, spender []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative allowance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.write(allowanceKey(token, owner, spender), encoded)
}

// SpendAllowance reduces the allowance by the supplied amount, failing when
// the remaining allowance is insufficient.
func (m *Manager) SpendAllowance(token string, owner, spender []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: allowance spend must be positive")
	}
	current, err := m.Allowance(token, owner, spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("state: insufficient allowance")
	}
	return m.SetAllowance(token, owner, spender, new(big.Int).Sub(current, amount))
}

// SetRole associates an address with the specified role. Duplicate
// assignments are ignored while the stored list stays sorted for
// determinism.
func (m *Manager) SetRole(role string, addr []byte) error {
	if role == "" {
		return fmt.Errorf("state: role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	key := roleKey(role)
	data, err := m.read(key)
	if err != nil {
		return err
	}
	var members [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &members); err != nil {
			return err
		}
	}
	for _, existing := range members {
		if bytes.Equal(existing, addr) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), addr...))
	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i], members[j]) < 0
	})
	encoded, err := rlp.EncodeToBytes(members)
	if err != nil {
		return err
	}
	return m.write(key, encoded)
}

// HasRole reports whether the provided address holds the specified role.
// Read errors report as false, matching the best-effort semantics the
// callers need.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	data, err := m.read(roleKey(role))
	if err != nil || len(data) == 0 {
		return false
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}
