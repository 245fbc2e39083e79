package redis

import goredis "github.com/redis/go-redis/v9"

// Scripts run atomically on the server so every state transition moves the
// job hash and its index entries together. Job and index keys are derived
// from prefixes passed in ARGV; the store targets a single Redis node.

// luaHelpers is prepended to scripts that compute waiting scores.
// string.format keeps scores integral where tostring would switch to
// exponent notation.
const luaHelpers = `
local function fmt(n) return string.format('%d', n) end
local function waitScore(priority, runAt)
  return fmt(-(tonumber(priority) or 0) * 1e13 + (tonumber(runAt) or 0))
end
`

// KEYS: job, index, queues. ARGV: id, score, queue, field/value pairs...
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// KEYS: waiting, delayed, active. ARGV: now, locked until, worker id,
// job key prefix, one lease token per job to lease.
var leaseScript = goredis.NewScript(luaHelpers + `
local now = ARGV[1]
local prefix = ARGV[4]
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
  local key = prefix .. id
  local f = redis.call('HMGET', key, 'priority', 'run_at')
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], waitScore(f[1], f[2]), id)
  redis.call('HSET', key, 'state', 'waiting')
end
local limit = #ARGV - 4
local ids = redis.call('ZRANGE', KEYS[1], 0, limit - 1)
local out = {}
for i, id in ipairs(ids) do
  local key = prefix .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[3], ARGV[2], id)
  redis.call('HSET', key, 'state', 'active', 'worker_id', ARGV[3], 'lease_token', ARGV[4 + i],
    'started_at', now, 'locked_until', ARGV[2], 'updated_at', now)
  out[i] = redis.call('HGETALL', key)
end
return out
`)

// KEYS: job, active, delayed, completed, failed. ARGV: token, outcome,
// result, error, retry at, now, id.
// Returns 1 on success, -1 when the lease is not held, -2 when the job is
// missing.
var settleScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_token', 'remove_on_complete', 'remove_on_fail')
if not f[1] then return -2 end
if f[1] ~= 'active' or f[2] ~= ARGV[1] then return -1 end
local id, now, outcome = ARGV[7], ARGV[6], ARGV[2]
redis.call('ZREM', KEYS[2], id)
redis.call('HSET', KEYS[1], 'lease_token', '', 'locked_until', '', 'updated_at', now)
if outcome == 'completed' then
  if f[3] == '1' then redis.call('DEL', KEYS[1]) return 1 end
  redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
  redis.call('HSET', KEYS[1], 'state', 'completed', 'result', ARGV[3], 'last_error', '', 'finished_at', now)
  redis.call('ZADD', KEYS[4], now, id)
elseif outcome == 'retry' then
  redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'run_at', ARGV[5], 'last_error', ARGV[4])
  redis.call('ZADD', KEYS[3], ARGV[5], id)
elseif outcome == 'failed' then
  if f[4] == '1' then redis.call('DEL', KEYS[1]) return 1 end
  redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
  redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[4], 'finished_at', now)
  redis.call('ZADD', KEYS[5], now, id)
else
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'run_at', ARGV[5])
  redis.call('ZADD', KEYS[3], ARGV[5], id)
end
return 1
`)

// KEYS: job, active. ARGV: token, locked until, id.
var heartbeatScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'lease_token')
if not f[1] then return -2 end
if f[1] ~= 'active' or f[2] ~= ARGV[1] then return -1 end
redis.call('HSET', KEYS[1], 'locked_until', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// KEYS: active, waiting, failed. ARGV: now, max stalled, job key prefix,
// error message.
var reapScript = goredis.NewScript(luaHelpers + `
local now = ARGV[1]
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
local out = {}
for i, id in ipairs(ids) do
  local key = ARGV[3] .. id
  redis.call('ZREM', KEYS[1], id)
  local n = redis.call('HINCRBY', key, 'stalled_count', 1)
  redis.call('HSET', key, 'lease_token', '', 'locked_until', '', 'worker_id', '', 'updated_at', now)
  if n > tonumber(ARGV[2]) then
    redis.call('HSET', key, 'state', 'failed', 'last_error', ARGV[4], 'finished_at', now)
    redis.call('ZADD', KEYS[3], now, id)
  else
    local f = redis.call('HMGET', key, 'priority', 'run_at')
    redis.call('HSET', key, 'state', 'waiting')
    redis.call('ZADD', KEYS[2], waitScore(f[1], f[2]), id)
  end
  out[i] = redis.call('HGETALL', key)
end
return out
`)

// KEYS: job, from, waiting. ARGV: required state, now, id, reset (1 to
// clear the attempt counters).
// Returns 1 on success, -1 on a state mismatch, -2 when the job is missing.
var requeueScript = goredis.NewScript(luaHelpers + `
local f = redis.call('HMGET', KEYS[1], 'state', 'priority')
if not f[1] then return -2 end
if f[1] ~= ARGV[1] then return -1 end
local now = ARGV[2]
redis.call('HSET', KEYS[1], 'state', 'waiting', 'run_at', now, 'updated_at', now)
if ARGV[4] == '1' then
  redis.call('HSET', KEYS[1], 'attempts_made', 0, 'stalled_count', 0, 'last_error', '', 'finished_at', '')
end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], waitScore(f[2], now), ARGV[3])
return 1
`)

// KEYS: job. ARGV: index key prefix, id.
// Returns 1 on success, -2 when the job is missing.
var deleteScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'queue', 'state')
if not f[1] then return -2 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', ARGV[1] .. f[1] .. ':' .. f[2], ARGV[2])
return 1
`)
