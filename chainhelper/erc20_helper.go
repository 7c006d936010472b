package chainhelper

import (
	"fmt"
	"math/big"

	gcommon "github.com/ethereum/go-ethereum/common"

	"github.com/sempo/ethworker/internal/types"
)

var (
	_ Builder = &ContractCallBuilder{}
	_ Builder = &ContractDeployBuilder{}
)

// ContractCallBuilder ABI-encodes a call to FunctionName on ContractAddress
// using the ABI registered under the task's ABIType.
type ContractCallBuilder struct {
	registry *Registry
}

func (b *ContractCallBuilder) Build(task *types.Task) (*Payload, error) {
	if !gcommon.IsHexAddress(task.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", task.ContractAddress)
	}
	contract, err := b.registry.ABI(task.ABIType)
	if err != nil {
		return nil, err
	}
	method, ok := contract.Methods[task.FunctionName]
	if !ok {
		return nil, fmt.Errorf("abi %s has no method %q", task.ABIType, task.FunctionName)
	}

	args, err := task.DecodeArgs()
	if err != nil {
		return nil, fmt.Errorf("failed to decode args: %w", err)
	}
	kwargs, err := task.DecodeKwargs()
	if err != nil {
		return nil, fmt.Errorf("failed to decode kwargs: %w", err)
	}
	values, err := ConvertArguments(method.Inputs, args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", task.ABIType, task.FunctionName, err)
	}

	data, err := contract.Pack(task.FunctionName, values...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", task.FunctionName, err)
	}
	to := gcommon.HexToAddress(task.ContractAddress)
	return &Payload{
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	}, nil
}

// ContractDeployBuilder concatenates the registered bytecode of ContractName
// with its packed constructor arguments.
type ContractDeployBuilder struct {
	registry *Registry
}

func (b *ContractDeployBuilder) Build(task *types.Task) (*Payload, error) {
	contract, err := b.registry.ABI(task.ContractName)
	if err != nil {
		return nil, err
	}
	bytecode, err := b.registry.Bytecode(task.ContractName)
	if err != nil {
		return nil, err
	}

	args, err := task.DecodeArgs()
	if err != nil {
		return nil, fmt.Errorf("failed to decode args: %w", err)
	}
	kwargs, err := task.DecodeKwargs()
	if err != nil {
		return nil, fmt.Errorf("failed to decode kwargs: %w", err)
	}
	values, err := ConvertArguments(contract.Constructor.Inputs, args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("%s constructor: %w", task.ContractName, err)
	}
	packed, err := contract.Pack("", values...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack constructor: %w", err)
	}

	data := make([]byte, 0, len(bytecode)+len(packed))
	data = append(data, bytecode...)
	data = append(data, packed...)
	return &Payload{
		Value: big.NewInt(0),
		Data:  data,
	}, nil
}
