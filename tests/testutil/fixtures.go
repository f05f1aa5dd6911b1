package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/eventcore/internal/domain/aggregate"
	"github.com/lllypuk/eventcore/internal/domain/event"
	"github.com/lllypuk/eventcore/internal/domain/registry"
)

// AccountType is the aggregate type of the Account fixture.
const AccountType event.AggregateType = "Account"

// Account fixture event types.
const (
	AccountOpened  event.Type = "AccountOpened"
	MoneyDeposited event.Type = "MoneyDeposited"
	MoneyWithdrawn event.Type = "MoneyWithdrawn"
)

// Account fixture command types.
const (
	OpenAccountCommand aggregate.CommandType = "OpenAccount"
	DepositCommand     aggregate.CommandType = "Deposit"
	WithdrawCommand    aggregate.CommandType = "Withdraw"
)

var (
	ErrAccountNotOpen    = errors.New("account is not open")
	ErrAccountOpen       = errors.New("account is already open")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// AccountOpenedData is the payload of AccountOpened.
type AccountOpenedData struct {
	Owner string `json:"owner"`
}

// AmountData is the payload of MoneyDeposited and MoneyWithdrawn.
type AmountData struct {
	Amount int `json:"amount"`
}

// OpenAccount opens an account.
type OpenAccount struct {
	ID    uuid.UUID `json:"id"`
	Owner string    `json:"owner"`
}

func (c *OpenAccount) AggregateID() uuid.UUID             { return c.ID }
func (c *OpenAccount) AggregateType() event.AggregateType { return AccountType }
func (c *OpenAccount) CommandType() aggregate.CommandType { return OpenAccountCommand }

// Deposit adds money to an open account.
type Deposit struct {
	ID     uuid.UUID `json:"id"`
	Amount int       `json:"amount"`
	Note   string    `json:"note,omitempty" command:"optional"`
}

func (c *Deposit) AggregateID() uuid.UUID             { return c.ID }
func (c *Deposit) AggregateType() event.AggregateType { return AccountType }
func (c *Deposit) CommandType() aggregate.CommandType { return DepositCommand }

// Withdraw takes money from an open account.
type Withdraw struct {
	ID     uuid.UUID `json:"id"`
	Amount int       `json:"amount"`
}

func (c *Withdraw) AggregateID() uuid.UUID             { return c.ID }
func (c *Withdraw) AggregateType() event.AggregateType { return AccountType }
func (c *Withdraw) CommandType() aggregate.CommandType { return WithdrawCommand }

// Account is a small bank account aggregate used across the test suites.
type Account struct {
	*aggregate.Base

	Owner   string `json:"owner"`
	Balance int    `json:"balance"`
	Open    bool   `json:"open"`

	// Clock stamps produced events. Defaults to time.Now.
	Clock func() time.Time `json:"-"`
}

// NewAccount is the aggregate.Factory of Account.
func NewAccount(id uuid.UUID) aggregate.Aggregate {
	return &Account{Base: aggregate.NewBase(AccountType, id), Clock: time.Now}
}

// ApplyEvent implements aggregate.Aggregate.
func (a *Account) ApplyEvent(_ context.Context, e event.Event) error {
	switch e.Type {
	case AccountOpened:
		var data AccountOpenedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return err
		}
		a.Owner = data.Owner
		a.Open = true
	case MoneyDeposited:
		var data AmountData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return err
		}
		a.Balance += data.Amount
	case MoneyWithdrawn:
		var data AmountData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return err
		}
		a.Balance -= data.Amount
	default:
		return fmt.Errorf("account: unknown event type %q", e.Type)
	}
	return nil
}

// HandleCommand implements aggregate.Aggregate.
func (a *Account) HandleCommand(ctx context.Context, cmd aggregate.Command) error {
	switch c := cmd.(type) {
	case *OpenAccount:
		if a.Open {
			return ErrAccountOpen
		}
		return a.emit(ctx, AccountOpened, AccountOpenedData{Owner: c.Owner})
	case *Deposit:
		if !a.Open {
			return ErrAccountNotOpen
		}
		return a.emit(ctx, MoneyDeposited, AmountData{Amount: c.Amount})
	case *Withdraw:
		if !a.Open {
			return ErrAccountNotOpen
		}
		if c.Amount > a.Balance {
			return ErrInsufficientFunds
		}
		return a.emit(ctx, MoneyWithdrawn, AmountData{Amount: c.Amount})
	default:
		return fmt.Errorf("account: unknown command %T", cmd)
	}
}

func (a *Account) emit(ctx context.Context, eventType event.Type, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now
	if a.Clock != nil {
		now = a.Clock
	}
	return a.ApplyEvent(ctx, a.AppendEvent(eventType, data, now()))
}

// CreateSnapshot implements aggregate.Snapshotter.
func (a *Account) CreateSnapshot() ([]byte, error) {
	return json.Marshal(a)
}

// ApplySnapshot implements aggregate.Snapshotter.
func (a *Account) ApplySnapshot(state []byte) error {
	return json.Unmarshal(state, a)
}

// AccountRegistry returns an aggregate registry with Account registered.
func AccountRegistry() *registry.Registry[aggregate.Factory] {
	reg := registry.New[aggregate.Factory]("aggregate")
	reg.Register(string(AccountType), NewAccount)
	return reg
}

// AccountEvents builds n committed events for an account starting at version
// from. Version 1 is always AccountOpened, the rest are deposits of 10.
func AccountEvents(id uuid.UUID, from, n int) []event.Event {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	events := make([]event.Event, n)
	for i := range n {
		version := from + i
		eventType, data := MoneyDeposited, []byte(`{"amount":10}`)
		if version == 1 {
			eventType, data = AccountOpened, []byte(`{"owner":"alice"}`)
		}
		events[i] = event.New(eventType, data, ts.Add(time.Duration(version)*time.Minute),
			event.ForAggregate(AccountType, id, version))
	}
	return events
}
