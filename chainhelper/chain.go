package chainhelper

import (
	"fmt"
	"math/big"

	gcommon "github.com/ethereum/go-ethereum/common"

	"github.com/sempo/ethworker/internal/types"
)

// Payload is the unsigned part of a transaction a Builder decides: where it
// goes, what it carries and the value attached. To is nil for deployments.
type Payload struct {
	To    *gcommon.Address
	Value *big.Int
	Data  []byte
}

// Builder turns a task into a transaction payload. There is one per task type.
type Builder interface {
	Build(task *types.Task) (*Payload, error)
}

// Builders dispatches tasks to the builder registered for their type.
type Builders struct {
	byType map[types.TaskType]Builder
}

func NewBuilders(registry *Registry) *Builders {
	return &Builders{
		byType: map[types.TaskType]Builder{
			types.TaskTypeSendEth:        &EtherTransferBuilder{},
			types.TaskTypeFunctionCall:   &ContractCallBuilder{registry: registry},
			types.TaskTypeDeployContract: &ContractDeployBuilder{registry: registry},
		},
	}
}

// Register replaces the builder of a task type.
func (b *Builders) Register(t types.TaskType, builder Builder) {
	b.byType[t] = builder
}

func (b *Builders) Build(task *types.Task) (*Payload, error) {
	builder, ok := b.byType[task.Type]
	if !ok {
		return nil, fmt.Errorf("no builder for task type %q", task.Type)
	}
	return builder.Build(task)
}
