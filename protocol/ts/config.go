package ts

import "time"

// Config defines event session defaults.
type Config struct {
	// FirstTxID and TxIDStep shape outgoing transaction ids.
	FirstTxID uint64
	TxIDStep  uint64
	// TransactionTimeout marks pending transactions abandoned. Advisory only:
	// nothing is retransmitted. Zero means the default; negative never expires.
	TransactionTimeout time.Duration
	// MaxTrackedTransactions bounds how many settled transactions are kept.
	MaxTrackedTransactions int
	// MaxPendingTransactions bounds unacknowledged transactions. Past it the
	// oldest pending one is abandoned.
	MaxPendingTransactions int
	// AutoAck acknowledges every received event before returning it.
	AutoAck bool
	// Now is the clock used for transaction bookkeeping.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		FirstTxID:              1,
		TxIDStep:               1,
		TransactionTimeout:     20 * time.Second,
		MaxTrackedTransactions: 4096,
		MaxPendingTransactions: 4096,
	}
}

// SensorTxIDs applies the transaction id scheme the real sensor uses.
func SensorTxIDs(cfg Config) Config {
	cfg.FirstTxID = 0x200
	cfg.TxIDStep = 0x100
	return cfg
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FirstTxID == 0 {
		c.FirstTxID = d.FirstTxID
	}
	if c.TxIDStep == 0 {
		c.TxIDStep = d.TxIDStep
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = d.TransactionTimeout
	}
	if c.MaxTrackedTransactions <= 0 {
		c.MaxTrackedTransactions = d.MaxTrackedTransactions
	}
	if c.MaxPendingTransactions <= 0 {
		c.MaxPendingTransactions = d.MaxPendingTransactions
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
