package session

import "github.com/redis/go-redis/v9"

// createSessionLua replaces the record at KEYS[1] and writes the index entry
// KEYS[2], both expiring after ARGV[2] seconds. If the token was bound to a
// different identity, that identity's index entry is removed first.
//
//	ARGV[1] identity
//	ARGV[2] ttl seconds
//	ARGV[3] index root (prefix .. "idx:")
//	ARGV[4] token
//	ARGV[5..] record fields as name/value pairs
const createSessionLua = `
local previous = redis.call('HGET', KEYS[1], 'identity')
if previous and previous ~= ARGV[1] then
  redis.call('DEL', ARGV[3] .. previous .. ':' .. ARGV[4])
end

local created_at = '0'
local fields = {}
for i = 5, #ARGV, 2 do
  fields[#fields + 1] = ARGV[i]
  fields[#fields + 1] = ARGV[i + 1]
  if ARGV[i] == 'created_at' then
    created_at = ARGV[i + 1]
  end
end

redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(fields))
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], created_at, 'EX', ARGV[2])
return 1
`

// deleteSessionLua removes the record at KEYS[1] and its index entry.
// Returns false when there was no record, otherwise the stored identity.
//
//	ARGV[1] index root
//	ARGV[2] token
const deleteSessionLua = `
local identity = redis.call('HGET', KEYS[1], 'identity')
if redis.call('DEL', KEYS[1]) == 0 then
  return false
end
if identity then
  redis.call('DEL', ARGV[1] .. identity .. ':' .. ARGV[2])
  return identity
end
return ''
`

var (
	createSessionScript = redis.NewScript(createSessionLua)
	deleteSessionScript = redis.NewScript(deleteSessionLua)
)
