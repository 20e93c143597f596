package config

type WorkerKeyStruct struct {
	// SessionEventsQueue buffers ledger events until LedgerWorker copies them into Postgres.
	SessionEventsQueue string
	// CompletionsQueue is the rewards sink fed by the outbox relay.
	CompletionsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	SessionEventsQueue: "session_events_queue",
	CompletionsQueue:   "exam_completions_queue",
}
