package eventstore

const (
	luaAppendEvents = `
		-- Atomically append events when the stream length equals the expected version
		-- KEYS[1] = event list key
		-- ARGV[1] = expected version (current list length)
		-- ARGV[2..N] = event data (JSON)
		-- Returns: {1, newLength} on success, or {0, currentLength}

		local currentLen = redis.call('LLEN', KEYS[1])
		local expected = tonumber(ARGV[1])

		if expected ~= currentLen then
			return {0, currentLen}
		end

		local chunkSize = 128
		local startIdx = 2

		while startIdx <= #ARGV do
			local endIdx = math.min(startIdx + chunkSize - 1, #ARGV)
			local chunk = {}
			for i = startIdx, endIdx do
				table.insert(chunk, ARGV[i])
			end
			redis.call('RPUSH', KEYS[1], unpack(chunk))
			startIdx = endIdx + 1
		end

		return {1, redis.call('LLEN', KEYS[1])}
		`

	luaReplaceEvent = `
		-- Overwrite the event at a version if it exists
		-- KEYS[1] = event list key
		-- ARGV[1] = version (1-based)
		-- ARGV[2] = event data (JSON)
		-- Returns: 1 on success, 0 if the version does not exist

		local version = tonumber(ARGV[1])
		local currentLen = redis.call('LLEN', KEYS[1])
		if version < 1 or version > currentLen then
			return 0
		end
		redis.call('LSET', KEYS[1], version - 1, ARGV[2])
		return 1
		`
)
