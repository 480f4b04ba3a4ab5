// Copyright 2025 James Ross
package redisq

// dequeueScript atomically pops the lowest-score member of the queued
// set and moves it into the running set, stamping started_at.
//
// KEYS[1] = queued zset, KEYS[2] = running zset
// ARGV[1] = now (unix nano), ARGV[2] = job key prefix
const dequeueScript = `
local popped = redis.call('ZRANGE', KEYS[1], 0, 0)
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('ZREM', KEYS[1], id)
local jobKey = ARGV[2] .. id
redis.call('HSET', jobKey, 'status', 'running', 'started_at', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`

// completeScript atomically transitions a running job to completed.
// Returns 0 if the job was not running (already completed elsewhere).
//
// KEYS[1] = running zset, KEYS[2] = completed zset
// ARGV[1] = id, ARGV[2] = now, ARGV[3] = job key prefix, ARGV[4] = result json
const completeScript = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
local jobKey = ARGV[3] .. ARGV[1]
redis.call('HSET', jobKey, 'status', 'completed', 'completed_at', ARGV[2], 'progress', '100', 'result', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`

// failScript applies the retry-vs-terminal algorithm atomically: reads
// retries/max_retries/priority/queued_at off the job hash and either
// re-queues at the job's original score or moves it to failed.
//
// KEYS[1] = running zset, KEYS[2] = queued zset, KEYS[3] = failed zset
// ARGV[1] = id, ARGV[2] = now, ARGV[3] = job key prefix, ARGV[4] = error
// message, ARGV[5] = error code
const failScript = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 'no_change'
end
local jobKey = ARGV[3] .. ARGV[1]
local vals = redis.call('HMGET', jobKey, 'retries', 'max_retries', 'priority', 'queued_at')
local retries = tonumber(vals[1]) or 0
local maxRetries = tonumber(vals[2]) or 0
local priority = tonumber(vals[3]) or 1
local queuedAt = tonumber(vals[4]) or 0
redis.call('ZREM', KEYS[1], ARGV[1])
if (retries + 1) > maxRetries then
  redis.call('HSET', jobKey, 'status', 'failed', 'failed_at', ARGV[2], 'error_message', ARGV[4], 'error_code', ARGV[5], 'retries', tostring(retries + 1))
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
  return 'failed'
else
  local newRetries = retries + 1
  redis.call('HSET', jobKey, 'status', 'queued', 'retries', tostring(newRetries), 'started_at', '', 'progress', '0', 'progress_message', '', 'error_message', ARGV[4], 'error_code', ARGV[5])
  local origScore = priority + (queuedAt / 1e13)
  redis.call('ZADD', KEYS[2], origScore, ARGV[1])
  return 'retry'
end
`

// failTerminalScript unconditionally moves a running job to failed,
// with no retry-vs-terminal decision (used for failures a retry can
// never resolve, e.g. a missing handler).
//
// KEYS[1] = running zset, KEYS[2] = failed zset
// ARGV[1] = id, ARGV[2] = now, ARGV[3] = job key prefix, ARGV[4] = error
// message, ARGV[5] = error code
const failTerminalScript = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
local jobKey = ARGV[3] .. ARGV[1]
redis.call('HSET', jobKey, 'status', 'failed', 'failed_at', ARGV[2], 'error_message', ARGV[4], 'error_code', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`

// cancelScript moves a queued or running job to cancelled. Returns 0 if
// the job was in neither set (already terminal).
//
// KEYS[1] = queued zset, KEYS[2] = running zset, KEYS[3] = cancelled zset
// ARGV[1] = id, ARGV[2] = now, ARGV[3] = job key prefix, ARGV[4] = reason
const cancelScript = `
local removedQueued = redis.call('ZREM', KEYS[1], ARGV[1])
local removedRunning = redis.call('ZREM', KEYS[2], ARGV[1])
if removedQueued == 0 and removedRunning == 0 then
  return 0
end
local jobKey = ARGV[3] .. ARGV[1]
redis.call('HSET', jobKey, 'status', 'cancelled', 'completed_at', ARGV[2], 'error_message', ARGV[4], 'error_code', 'CANCELLED')
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`
