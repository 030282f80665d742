// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package relayq provides a Redis-backed background job queue with delayed
execution and automatic retry, plus two companion primitives that share the
same store: a fixed-window rate limiter and an idempotency-key ledger.

Delivery is at-least-once. Handlers must be written to tolerate a repeat
execution; the idempotency Ledger exists for the cases where they cannot.

# Quick Start

Client (enqueue jobs):

	client := relayq.NewClient(relayq.RedisClientOpt{
		Addr: "localhost:6379",
	})
	defer client.Close()

	payload, _ := json.Marshal(map[string]int{"user_id": 42})
	task := relayq.NewTask("email:welcome", payload)
	info, err := client.Enqueue(task)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Enqueued: %s", info.ID)

Server (process jobs):

	srv := relayq.NewServer(
		relayq.RedisClientOpt{Addr: "localhost:6379"},
		relayq.Config{
			Concurrency: 10,
			Queues:      []string{"critical", "default"},
		},
	)

	mux := relayq.NewServeMux()
	mux.HandleFunc("email:welcome", func(ctx context.Context, task *relayq.Task) error {
		log.Printf("Processing job: %s", task.Type())
		return nil
	})

	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}

# Task Options

Available options for NewTask and Enqueue:

	MaxRetry(n)      - Maximum retry attempts
	Queue(name)      - Target queue name
	ProcessIn(d)     - Delay processing by duration
	ProcessAt(t)     - Schedule at specific time
	Unique(ttl)      - Deduplicate jobs for TTL
	Retention(d)     - Keep the finished job record for duration
	TaskID(id)       - Custom job ID

# Architecture

Jobs live in Redis lists (pending, processing) and sorted sets (delayed,
completed, failed). Each job also has a hash record carrying the encoded
message, its state and its timestamps. Jobs scheduled for the future and
jobs backing off between retries share the single delayed set, scored by
their due timestamp; a forwarder goroutine promotes due entries to pending,
and every dequeue promotes as well so a promotion is never missed while
workers are idle. Every multi-step state transition runs as a single Lua
script so no concurrent observer can see a job in two places at once.

The Server spawns multiple goroutines:
  - Processor: worker pool that dequeues and executes jobs
  - Forwarder: moves due delayed jobs to pending
  - Janitor: deletes expired finished job records
  - Healthchecker: periodically pings the store

# Rate Limiter and Idempotency Ledger

RateLimiter counts requests per identifier in a fixed window and fails open
when the store is unreachable. Ledger records externally supplied
idempotency keys so a retried delivery of the same event runs its side
effects at most once. Both are independent of the queue and are typically
used in the HTTP layer that enqueues jobs; see the examples directory.
*/
package relayq
