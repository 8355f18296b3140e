package redis

import goredis "github.com/redis/go-redis/v9"

// appendScript appends one event if the log length still matches the
// expected sequence, reserving a hook token when the change creates one.
//
// KEYS: events, run, runs, tokens, entity, entity index, correlation set
// ARGV: expected length, event, run, run id, run score, entity, entity id,
// hook token, correlation id
var appendScript = goredis.NewScript(`
if redis.call('LLEN', KEYS[1]) ~= tonumber(ARGV[1]) then
  return 'conflict'
end
if ARGV[8] ~= '' then
  local owner = redis.call('HGET', KEYS[4], ARGV[8])
  if owner and owner ~= ARGV[7] then
    return 'token'
  end
  redis.call('HSET', KEYS[4], ARGV[8], ARGV[7])
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[4])
if ARGV[6] ~= '' then
  redis.call('SET', KEYS[5], ARGV[6])
  redis.call('SADD', KEYS[6], ARGV[7])
end
if ARGV[9] ~= '' then
  redis.call('SADD', KEYS[7], ARGV[4])
end
return 'ok'
`)

// queueScript reserves the idempotency key and stores and schedules the
// message in one step, so a failed send never holds its key.
//
// KEYS: idempotency key, message, schedule, queue names
// ARGV: has key, message id, queue name, payload, deployment id,
// idempotency key, created ms, visible ms
var queueScript = goredis.NewScript(`
if ARGV[1] == '1' then
  if not redis.call('SET', KEYS[1], ARGV[2], 'NX') then
    return 'duplicate'
  end
end
redis.call('HSET', KEYS[2],
  'id', ARGV[2], 'queue_name', ARGV[3], 'payload', ARGV[4],
  'deployment_id', ARGV[5], 'idempotency_key', ARGV[6],
  'delivery_count', 0, 'created_at', ARGV[7], 'visible_at', ARGV[8])
redis.call('ZADD', KEYS[3], ARGV[8], ARGV[2])
redis.call('SADD', KEYS[4], ARGV[3])
return 'ok'
`)

// receiveScript claims the earliest due messages across several queue
// schedules by pushing their scores out. Each schedule is read at most
// limit deep. It returns flat pairs of schedule index and message id.
//
// KEYS: schedules
// ARGV: now ms, limit, next visible ms
var receiveScript = goredis.NewScript(`
local limit = tonumber(ARGV[2])
local due = {}
for i, key in ipairs(KEYS) do
  local rows = redis.call('ZRANGEBYSCORE', key, '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, limit)
  for j = 1, #rows, 2 do
    table.insert(due, {key = i, id = rows[j], score = tonumber(rows[j + 1])})
  end
end
table.sort(due, function(a, b)
  if a.score == b.score then
    return a.id < b.id
  end
  return a.score < b.score
end)
local out = {}
for n, d in ipairs(due) do
  if n > limit then
    break
  end
  redis.call('ZADD', KEYS[d.key], ARGV[3], d.id)
  table.insert(out, tostring(d.key))
  table.insert(out, d.id)
end
return out
`)

// claimScript counts a delivery on a claimed message and returns its
// fields. A schedule entry whose Hash is gone is dropped.
//
// KEYS: message, schedule
// ARGV: message id, visible ms
var claimScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return false
end
redis.call('HINCRBY', KEYS[1], 'delivery_count', 1)
redis.call('HSET', KEYS[1], 'visible_at', ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// rescheduleScript moves an existing message's visibility. With ARGV[3]
// set it also takes back the delivery its claim counted.
//
// KEYS: message, schedule
// ARGV: message id, visible ms, uncount
var rescheduleScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if ARGV[3] == '1' and tonumber(redis.call('HGET', KEYS[1], 'delivery_count') or '0') > 0 then
  redis.call('HINCRBY', KEYS[1], 'delivery_count', -1)
end
redis.call('HSET', KEYS[1], 'visible_at', ARGV[2])
redis.call('ZADD', KEYS[2], 'XX', ARGV[2], ARGV[1])
return 1
`)
