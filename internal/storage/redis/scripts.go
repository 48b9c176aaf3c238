package redis

const (
	// commitScript atomically adds seconds to a ledger entry and indexes the group
	commitScript = `
local ledger_key = KEYS[1]     -- {prefix}:ledger:{groupID}
local groups_key = KEYS[2]     -- {prefix}:ledger:groups

local group_id = ARGV[1]
local field = ARGV[2]          -- {subjectID}|{YYYY-MM-DD}
local seconds = tonumber(ARGV[3])

if seconds == nil or seconds <= 0 then
  return 0
end

redis.call('HINCRBY', ledger_key, field, seconds)
redis.call('SADD', groups_key, group_id)

return seconds
`

	// purgeScript atomically removes a group's entries and its index membership
	purgeScript = `
local ledger_key = KEYS[1]
local groups_key = KEYS[2]

local group_id = ARGV[1]

local removed = redis.call('HLEN', ledger_key)
redis.call('DEL', ledger_key)
redis.call('SREM', groups_key, group_id)

return removed
`

	// pruneScript removes a group's entries for days before the cutoff
	pruneScript = `
local ledger_key = KEYS[1]
local groups_key = KEYS[2]

local group_id = ARGV[1]
local cutoff = ARGV[2]         -- YYYY-MM-DD, compared lexically

local removed = 0
local fields = redis.call('HKEYS', ledger_key)
for _, field in ipairs(fields) do
  -- the day is always the trailing 10 characters of the field
  local day = string.sub(field, -10)
  if day < cutoff then
    redis.call('HDEL', ledger_key, field)
    removed = removed + 1
  end
end

if redis.call('HLEN', ledger_key) == 0 then
  redis.call('SREM', groups_key, group_id)
end

return removed
`
)
