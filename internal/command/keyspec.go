package command

import (
	"strconv"
	"strings"
)

// Key-extraction-only table entries: commands this build routes (cluster
// slots, WATCH, tracking invalidation) without serving. Their key layout
// depends on arguments, so each carries a specialized extractor.
func init() {
	register(&Command{Name: "zunionstore", Arity: -4, GetKeys: zunionInterGetKeys})
	register(&Command{Name: "zinterstore", Arity: -4, GetKeys: zunionInterGetKeys})
	register(&Command{Name: "eval", Arity: -3, GetKeys: evalGetKeys})
	register(&Command{Name: "evalsha", Arity: -3, GetKeys: evalGetKeys})
	register(&Command{Name: "sort", Arity: -2, GetKeys: sortGetKeys})
	register(&Command{Name: "migrate", Arity: -6, GetKeys: migrateGetKeys})
	register(&Command{Name: "georadius", Arity: -6, GetKeys: georadiusGetKeys})
	register(&Command{Name: "georadiusbymember", Arity: -5, GetKeys: georadiusGetKeys})
	register(&Command{Name: "xread", Arity: -4, GetKeys: xreadGetKeys})
}

// GetKeys returns the key argument positions of a command line, using the
// table triple unless the command has a specialized extractor. args is the
// full line, name first.
func GetKeys(cmd *Command, args [][]byte) []int {
	if cmd.GetKeys != nil {
		return cmd.GetKeys(args)
	}
	return getKeysUsingTable(cmd, args)
}

// getKeysUsingTable walks (firstkey, lastkey, step); a negative lastkey
// indexes from the end of the line.
func getKeysUsingTable(cmd *Command, args [][]byte) []int {
	if cmd.FirstKey == 0 {
		return nil
	}
	last := cmd.LastKey
	if last < 0 {
		last = len(args) + last
	}
	var keys []int
	for j := cmd.FirstKey; j <= last; j += cmd.KeyStep {
		if j >= len(args) {
			// Commands with variable arity skip dispatch-time checks, so
			// a short line reaches here; report no keys and let the
			// executor produce the arity error.
			return nil
		}
		keys = append(keys, j)
	}
	return keys
}

// zunionInterGetKeys handles ZUNIONSTORE/ZINTERSTORE:
// <dest> <numkeys> <key> ... <key> [options]
func zunionInterGetKeys(args [][]byte) []int {
	if len(args) < 3 {
		return nil
	}
	num, err := strconv.Atoi(string(args[2]))
	if err != nil || num < 1 || num > len(args)-3 {
		return nil
	}
	keys := make([]int, 0, num+1)
	for i := 0; i < num; i++ {
		keys = append(keys, 3+i)
	}
	return append(keys, 1)
}

// evalGetKeys handles EVAL/EVALSHA: <script> <numkeys> <key> ... <key>
func evalGetKeys(args [][]byte) []int {
	if len(args) < 3 {
		return nil
	}
	num, err := strconv.Atoi(string(args[2]))
	if err != nil || num <= 0 || num > len(args)-3 {
		return nil
	}
	keys := make([]int, num)
	for i := range keys {
		keys[i] = 3 + i
	}
	return keys
}

// sortGetKeys handles SORT <key> ... [STORE <dest>]. Options without
// arguments scan one by one; LIMIT/GET/BY skip theirs. The last STORE
// wins, matching SORT itself.
func sortGetKeys(args [][]byte) []int {
	keys := []int{1}
	store := -1

	skip := map[string]int{"limit": 2, "get": 1, "by": 1}
	for i := 2; i < len(args); i++ {
		opt := strings.ToLower(string(args[i]))
		if n, ok := skip[opt]; ok {
			i += n
			continue
		}
		if opt == "store" && i+1 < len(args) {
			store = i + 1
		}
	}
	if store != -1 {
		keys = append(keys, store)
	}
	return keys
}

// migrateGetKeys handles MIGRATE host port key dst timeout [COPY|REPLACE]
// [KEYS key1 key2 ...]; an empty argv[3] selects the KEYS form.
func migrateGetKeys(args [][]byte) []int {
	first, num := 3, 1
	if len(args) > 6 {
		for i := 6; i < len(args); i++ {
			if strings.EqualFold(string(args[i]), "keys") && len(args[3]) == 0 {
				first = i + 1
				num = len(args) - first
				break
			}
		}
	}
	keys := make([]int, num)
	for i := range keys {
		keys[i] = first + i
	}
	return keys
}

// georadiusGetKeys handles GEORADIUS key x y radius unit ... [STORE key]
// [STOREDIST key]; when both appear, the later one wins.
func georadiusGetKeys(args [][]byte) []int {
	stored := -1
	for i := 5; i < len(args); i++ {
		opt := strings.ToLower(string(args[i]))
		if (opt == "store" || opt == "storedist") && i+1 < len(args) {
			stored = i + 1
			i++
		}
	}
	keys := []int{1}
	if stored != -1 {
		keys = append(keys, stored)
	}
	return keys
}

// xreadGetKeys handles XREAD [BLOCK ms] [COUNT n] [GROUP g ttl] [NOACK]
// STREAMS key_1 ... key_N id_1 ... id_N: half the post-STREAMS arguments
// are keys.
func xreadGetKeys(args [][]byte) []int {
	streamsPos := -1
scan:
	for i := 1; i < len(args); i++ {
		switch strings.ToLower(string(args[i])) {
		case "block", "count":
			i++
		case "group":
			i += 2
		case "noack":
		case "streams":
			streamsPos = i
			break scan
		default:
			break scan // syntax error; executor reports it
		}
	}
	if streamsPos == -1 {
		return nil
	}
	num := len(args) - streamsPos - 1
	if num == 0 || num%2 != 0 {
		return nil
	}
	num /= 2
	keys := make([]int, num)
	for i := range keys {
		keys[i] = streamsPos + 1 + i
	}
	return keys
}
