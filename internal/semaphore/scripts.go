package semaphore

import "github.com/redis/go-redis/v9"

// acquireScript increments the counter and backs the increment out when the
// ceiling is exceeded. The TTL is only refreshed when a slot is granted, so a
// counter that nobody holds still expires.
//
// KEYS[1] counter, ARGV[1] max_concurrent, ARGV[2] ttl seconds
// Returns 1 when granted, 0 when the tenant is at capacity.
var acquireScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = redis.call('INCR', KEYS[1])
if current > limit then
	local after = redis.call('DECR', KEYS[1])
	if after <= 0 then
		redis.call('DEL', KEYS[1])
	end
	return 0
end
redis.call('EXPIRE', KEYS[1], ttl)
return 1
`)

// releaseScript decrements the counter, deleting it once it reaches zero.
// A missing key is left alone so over-release can never go negative.
//
// KEYS[1] counter
// Returns the remaining count.
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return current
`)

// reconcileScript swaps the counter to the true value only if it still holds
// the value the caller observed.
//
// KEYS[1] counter, ARGV[1] observed, ARGV[2] target, ARGV[3] ttl seconds
// Returns 1 when swapped, 0 when the counter moved underneath the caller.
var reconcileScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current ~= tonumber(ARGV[1]) then
	return 0
end
local target = tonumber(ARGV[2])
if target <= 0 then
	redis.call('DEL', KEYS[1])
else
	redis.call('SET', KEYS[1], target, 'EX', tonumber(ARGV[3]))
end
return 1
`)
