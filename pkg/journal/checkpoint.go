package journal

import (
	"time"

	"github.com/nainya/indexedcollections/internal/logger"
)

const (
	// DefaultCheckpointInterval is how often the journal is compacted
	DefaultCheckpointInterval = 10 * time.Minute
)

// Checkpointer compacts a journal periodically in the background
type Checkpointer struct {
	journal  *Journal
	interval time.Duration
	log      *logger.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer; a zero interval uses the default
func NewCheckpointer(j *Journal, interval time.Duration, log *logger.Logger) *Checkpointer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Checkpointer{
		journal:  j,
		interval: interval,
		log:      log.IndexLogger("journal"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the background loop
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the loop and waits for it to exit
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.journal.Checkpoint(); err != nil {
				c.log.Error("journal checkpoint failed").Err(err).Send()
				continue
			}
			c.log.Debug("journal checkpoint").Int("pending", c.journal.Pending()).Send()

		case <-c.stopCh:
			return
		}
	}
}
