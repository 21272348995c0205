package sweep

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dustsweep/sweeper/internal/chain"
	"github.com/dustsweep/sweeper/internal/intent"
)

const TypeSweepExecute = "sweep:execute"

const QueueName = "sweep"

// TaskCall is the wire form of one destination call. Amounts are decimal
// strings; Data is base64 via encoding/json.
type TaskCall struct {
	Target         string `json:"target"`
	Token          string `json:"token"`
	Amount         string `json:"amount"`
	Data           []byte `json:"data"`
	Value          string `json:"value,omitempty"`
	ExpectedMinOut string `json:"expectedMinOut,omitempty"`
}

// TaskPayload is the queue message enqueuing one sweep intent.
type TaskPayload struct {
	Owner    string     `json:"owner"`
	Chain    string     `json:"chain"`
	Deadline time.Time  `json:"deadline"`
	Calls    []TaskCall `json:"calls"`
}

// NewTask serializes an intent into its queue task.
func NewTask(in intent.Intent) (*asynq.Task, error) {
	return NewTaskFromParts(in.Owner, in.Chain.Name, in.Deadline, in.Calls)
}

// NewTaskFromParts builds the queue task from raw pieces. Producers do not
// need a dialable chain target; the worker validates the chain name against
// its own configuration on consume.
func NewTaskFromParts(owner, chainName string, deadline time.Time, inCalls []intent.DestinationCall) (*asynq.Task, error) {
	payload := TaskPayload{
		Owner:    owner,
		Chain:    chainName,
		Deadline: deadline,
		Calls:    make([]TaskCall, 0, len(inCalls)),
	}
	for _, c := range inCalls {
		tc := TaskCall{
			Target: c.Target,
			Token:  c.Token,
			Amount: c.Amount.String(),
			Data:   c.Data,
		}
		if c.Value != nil && c.Value.Sign() > 0 {
			tc.Value = c.Value.String()
		}
		if c.ExpectedMinOut != nil && c.ExpectedMinOut.Sign() > 0 {
			tc.ExpectedMinOut = c.ExpectedMinOut.String()
		}
		payload.Calls = append(payload.Calls, tc)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TypeSweepExecute, raw, asynq.Queue(QueueName)), nil
}

// Intent reconstructs the intent against the chain target the worker has
// configured for the payload's chain name.
func (p TaskPayload) Intent(target chain.Target) (intent.Intent, error) {
	calls := make([]intent.DestinationCall, 0, len(p.Calls))
	for i, tc := range p.Calls {
		amount, ok := new(big.Int).SetString(tc.Amount, 10)
		if !ok {
			return intent.Intent{}, fmt.Errorf("call %d: malformed amount %q", i, tc.Amount)
		}
		call := intent.DestinationCall{
			Target: tc.Target,
			Token:  tc.Token,
			Amount: amount,
			Data:   tc.Data,
			Value:  new(big.Int),
		}
		if tc.Value != "" {
			v, ok := new(big.Int).SetString(tc.Value, 10)
			if !ok {
				return intent.Intent{}, fmt.Errorf("call %d: malformed value %q", i, tc.Value)
			}
			call.Value = v
		}
		if tc.ExpectedMinOut != "" {
			m, ok := new(big.Int).SetString(tc.ExpectedMinOut, 10)
			if !ok {
				return intent.Intent{}, fmt.Errorf("call %d: malformed expectedMinOut %q", i, tc.ExpectedMinOut)
			}
			call.ExpectedMinOut = m
		}
		calls = append(calls, call)
	}
	return intent.New(p.Owner, calls, p.Deadline, target)
}
