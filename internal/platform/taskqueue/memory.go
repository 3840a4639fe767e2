package taskqueue

import (
	"context"
	"slices"
	"sync"
)

// MemoryBroker delivers tasks in process. Revocations reach every active
// ConsumeRevocations call.
type MemoryBroker struct {
	tasks chan Task

	mu          sync.Mutex
	published   []Task
	revocations []string
	subscribers []chan string
}

func NewMemoryBroker(buffer int) *MemoryBroker {
	return &MemoryBroker{tasks: make(chan Task, buffer)}
}

func (b *MemoryBroker) Publish(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, task)
	b.mu.Unlock()
	select {
	case b.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) PublishRevoke(ctx context.Context, taskID string) error {
	b.mu.Lock()
	b.revocations = append(b.revocations, taskID)
	subs := slices.Clone(b.subscribers)
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- taskID:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Published returns every task passed to Publish.
func (b *MemoryBroker) Published() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// Revocations returns every revoked task id.
func (b *MemoryBroker) Revocations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.revocations)
}

func (b *MemoryBroker) Consume(ctx context.Context, handle func(context.Context, Task) error) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-b.tasks:
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = handle(ctx, task)
			}()
		}
	}
}

func (b *MemoryBroker) ConsumeRevocations(ctx context.Context, handle func(context.Context, string)) error {
	sub := make(chan string, 16)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.subscribers = slices.DeleteFunc(b.subscribers, func(c chan string) bool { return c == sub })
		b.mu.Unlock()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-sub:
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(ctx, id)
			}()
		}
	}
}

var (
	_ Broker   = (*MemoryBroker)(nil)
	_ Consumer = (*MemoryBroker)(nil)
)
