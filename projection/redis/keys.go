package redis

// Redis key naming conventions for mirrored state.
// All keys are prefixed with "muster:" to avoid collisions.

const keyPrefix = "muster:"

// sessionKey returns the Hash key for a session: muster:session:{id}
func sessionKey(id string) string { return keyPrefix + "session:" + id }

// sessionIDsKey is the Set tracking all mirrored session IDs.
const sessionIDsKey = keyPrefix + "session_ids"

// taskKey returns the Hash key for a task: muster:task:{idempotency_key}
func taskKey(key string) string { return keyPrefix + "task:" + key }

// taskKeysKey is the Set tracking all mirrored task idempotency keys.
const taskKeysKey = keyPrefix + "task_keys"

// pendingTasksKey is the Sorted Set of pending task keys scored by
// priority (negated) plus a time component for FIFO within a priority.
const pendingTasksKey = keyPrefix + "tasks:pending"

// lockKey returns the Hash key for a lock: muster:lock:{name}
func lockKey(name string) string { return keyPrefix + "lock:" + name }

// lockNamesKey is the Set tracking all mirrored lock names.
const lockNamesKey = keyPrefix + "lock_names"

// groupKey returns the Hash key for a group: muster:group:{id}
func groupKey(id string) string { return keyPrefix + "group:" + id }

// groupIDsKey is the Set tracking all mirrored group IDs.
const groupIDsKey = keyPrefix + "group_ids"
