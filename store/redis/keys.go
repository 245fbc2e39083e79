package redis

// Redis key naming conventions for courier data.
// All keys are prefixed with "courier:" to avoid collisions.

const keyPrefix = "courier:"

// jobKeyPrefix prefixes job hashes; scripts rebuild job keys from it.
const jobKeyPrefix = keyPrefix + "job:"

// jobKey returns the key for a job hash: courier:job:{id}
func jobKey(id string) string { return jobKeyPrefix + id }

// stateKeyPrefix prefixes the per-queue state indexes.
const stateKeyPrefix = keyPrefix + "queue:"

// stateKey returns the Sorted Set indexing a queue's jobs in one state:
// courier:queue:{name}:{state}. Scores depend on the state:
//
//	waiting    -priority*1e13 + run_at (ms)
//	delayed    run_at (ms)
//	active     locked_until (ms)
//	completed  finished_at (ms)
//	failed     finished_at (ms)
func stateKey(queue, state string) string { return stateKeyPrefix + queue + ":" + state }

// queuesKey is the Set of queue names that ever held a job.
const queuesKey = keyPrefix + "queues"
