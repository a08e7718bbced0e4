package config

type WorkerKeyStruct struct {
	PersistSubmissionsQueue string
	PersistExitEventsQueue  string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSubmissionsQueue: "persist_submissions_queue",
	PersistExitEventsQueue:  "persist_exit_events_queue",
}
