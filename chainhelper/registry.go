package chainhelper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const erc20ABI = `[
{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const mintableERC20ABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// Registry resolves ABI types and contract names to parsed ABIs and deploy
// bytecode.
type Registry struct {
	mu       sync.RWMutex
	abis     map[string]abi.ABI
	bytecode map[string][]byte
}

// NewRegistry returns a registry holding the built-in token ABIs.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		abis:     make(map[string]abi.ABI),
		bytecode: make(map[string][]byte),
	}
	for name, def := range map[string]string{
		"ERC20":         erc20ABI,
		"MintableERC20": mintableERC20ABI,
	} {
		if err := r.RegisterABI(name, def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) RegisterABI(name, definition string) error {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return fmt.Errorf("invalid abi %s: %w", name, err)
	}
	r.mu.Lock()
	r.abis[name] = parsed
	r.mu.Unlock()
	return nil
}

func (r *Registry) RegisterBytecode(name, hexCode string) error {
	hexCode = strings.TrimSpace(hexCode)
	if !strings.HasPrefix(hexCode, "0x") {
		hexCode = "0x" + hexCode
	}
	code, err := hexutil.Decode(hexCode)
	if err != nil {
		return fmt.Errorf("invalid bytecode %s: %w", name, err)
	}
	r.mu.Lock()
	r.bytecode[name] = code
	r.mu.Unlock()
	return nil
}

// LoadDir registers every <Name>.abi and <Name>.bin found in dir.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("fail to read contracts dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".abi" && ext != ".bin" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("fail to read %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ext)
		if ext == ".abi" {
			err = r.RegisterABI(name, string(content))
		} else {
			err = r.RegisterBytecode(name, string(content))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) ABI(name string) (*abi.ABI, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	parsed, ok := r.abis[name]
	if !ok {
		return nil, fmt.Errorf("unknown abi %q", name)
	}
	return &parsed, nil
}

func (r *Registry) Bytecode(name string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.bytecode[name]
	if !ok {
		return nil, fmt.Errorf("no bytecode for contract %q", name)
	}
	return code, nil
}
