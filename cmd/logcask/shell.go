package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/logcask/pkg/common/iterator"
	"github.com/KevoDB/logcask/pkg/engine/interfaces"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem("SET"),
	readline.PcItem("GET"),
	readline.PcItem("DEL"),
	readline.PcItem("KEYS"),
	readline.PcItem("SCAN",
		readline.PcItem("RANGE"),
	),
	readline.PcItem("KSIZE"),
	readline.PcItem("INFO"),
	readline.PcItem("STATS"),
	readline.PcItem("FLUSH"),
	readline.PcItem("COMPACT"),
)

const helpText = `
Commands (case-insensitive, a trailing ';' is ignored):
  SET key value           - Store a value; everything after the key is the value
  GET key                 - Print the value of key, or (nil)
  DEL key                 - Delete key
  KEYS [prefix]           - List keys, optionally only those starting with prefix
  SCAN [prefix]           - List keys and values
  SCAN RANGE start end    - List keys and values in [start, end)
  KSIZE                   - Print the number of live keys
  INFO                    - Show key count and disk usage
  STATS                   - Show operation statistics
  FLUSH                   - Sync the active segment to disk
  COMPACT                 - Reclaim space held by overwritten and deleted keys

  .help                   - Show this help message
  .exit                   - Exit (also: exit, quit)
`

// errExit is returned by execute when the session should end
var errExit = errors.New("exit")

type shell struct {
	eng interfaces.Engine
	out io.Writer
}

func newShell(eng interfaces.Engine, out io.Writer) *shell {
	return &shell{eng: eng, out: out}
}

func (s *shell) runInteractive(dataDir string) error {
	fmt.Fprintf(s.out, "logcask version %s\n", version)
	fmt.Fprintln(s.out, "Enter .help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "logcask> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".logcask_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(s.out, "Opened %s\n", dataDir)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(line) == 0 {
					break
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		if err := s.execute(line); err != nil {
			if errors.Is(err, errExit) {
				break
			}
			fmt.Fprintf(s.out, "Error: %s\n", err)
		}
	}

	fmt.Fprintln(s.out, "Goodbye!")
	return nil
}

// runBatch executes one command per input line and stops at the first error.
func (s *shell) runBatch(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := s.execute(scanner.Text()); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

// execute runs one command line and writes its output.
func (s *shell) execute(line string) error {
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
	if line == "" || strings.HasPrefix(line, "--") {
		return nil
	}

	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])
	args := parts[1:]

	switch cmd {
	case ".HELP", "HELP":
		fmt.Fprint(s.out, helpText)
		return nil
	case ".EXIT", "EXIT", "QUIT":
		return errExit
	case "SET":
		if len(args) < 2 {
			return errors.New("SET requires key and value arguments")
		}
		return s.set(args[0], valueOf(line, 2))
	case "GET":
		if len(args) != 1 {
			return errors.New("GET requires a key argument")
		}
		return s.get(args[0])
	case "DEL", "DELETE":
		if len(args) != 1 {
			return errors.New("DEL requires a key argument")
		}
		return s.del(args[0])
	case "KEYS":
		if len(args) > 1 {
			return errors.New("KEYS takes at most one prefix")
		}
		var prefix string
		if len(args) == 1 {
			prefix = args[0]
		}
		return s.keys(prefix)
	case "SCAN":
		return s.scan(args)
	case "KSIZE":
		return s.ksize()
	case "INFO":
		return s.info()
	case "STATS":
		return s.stats()
	case "FLUSH":
		if err := s.eng.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	case "COMPACT":
		return s.compact()
	default:
		return fmt.Errorf("unknown command %q, enter .help for usage", parts[0])
	}
}

// valueOf returns the text after the first n whitespace-separated fields,
// so that values keep their inner spacing.
func valueOf(line string, n int) string {
	rest := line
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimLeft(rest, " \t")
}

func (s *shell) set(key, value string) error {
	if err := s.eng.Set([]byte(key), []byte(value)); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) get(key string) error {
	value, found, err := s.eng.Get([]byte(key))
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(s.out, "(nil)")
		return nil
	}
	fmt.Fprintln(s.out, string(value))
	return nil
}

func (s *shell) del(key string) error {
	if err := s.eng.Delete([]byte(key)); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) keys(prefix string) error {
	keys, err := s.eng.Keys([]byte(prefix))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(s.out, "(empty)")
		return nil
	}
	for _, k := range keys {
		fmt.Fprintln(s.out, string(k))
	}
	return nil
}

func (s *shell) scan(args []string) error {
	var (
		it  iterator.Iterator
		err error
	)
	switch {
	case len(args) == 0:
		it, err = s.eng.Scan()
	case strings.ToUpper(args[0]) == "RANGE":
		if len(args) != 3 {
			return errors.New("SCAN RANGE requires start and end arguments")
		}
		it, err = s.eng.ScanRange([]byte(args[1]), []byte(args[2]))
	case len(args) == 1:
		it, err = s.eng.ScanPrefix([]byte(args[0]))
	default:
		return errors.New("SCAN takes at most one prefix")
	}
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.Next() {
		fmt.Fprintf(s.out, "%s: %s\n", it.Key(), it.Value())
		count++
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d entries\n", count)
	return nil
}

func (s *shell) ksize() error {
	st, err := s.eng.Status()
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, st.KeyCount)
	return nil
}

func (s *shell) info() error {
	st, err := s.eng.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Keys:              %d\n", st.KeyCount)
	fmt.Fprintf(s.out, "Logical size:      %d bytes\n", st.LogicalSize)
	fmt.Fprintf(s.out, "Segments:          %d (active %s, %d bytes)\n", st.SegmentCount, st.ActiveSegmentID, st.ActiveSegmentSize)
	fmt.Fprintf(s.out, "Disk size:         %d bytes\n", st.TotalDiskBytes)
	fmt.Fprintf(s.out, "Live bytes:        %d\n", st.LiveBytes)
	fmt.Fprintf(s.out, "Dead bytes:        %d (%.1f%%)\n", st.DeadBytes, st.DeadRatio*100)
	fmt.Fprintf(s.out, "Pending deletions: %d\n", st.ObsoleteSegments)
	return nil
}

func (s *shell) stats() error {
	printMap(s.out, s.eng.Stats(), "")
	return nil
}

// printMap prints nested statistics with sorted keys
func printMap(out io.Writer, m map[string]interface{}, indent string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := m[k].(type) {
		case map[string]interface{}:
			fmt.Fprintf(out, "%s%s:\n", indent, k)
			printMap(out, v, indent+"  ")
		case map[string]uint64:
			fmt.Fprintf(out, "%s%s:\n", indent, k)
			nested := make(map[string]interface{}, len(v))
			for nk, nv := range v {
				nested[nk] = nv
			}
			printMap(out, nested, indent+"  ")
		default:
			if strings.HasPrefix(k, "last_") && strings.HasSuffix(k, "_time") {
				if ns, ok := v.(int64); ok && ns > 0 {
					fmt.Fprintf(out, "%s%s: %s\n", indent, k, time.Unix(0, ns).Format(time.RFC3339))
					continue
				}
			}
			fmt.Fprintf(out, "%s%s: %v\n", indent, k, v)
		}
	}
}

func (s *shell) compact() error {
	summary, err := s.eng.Compact()
	if err != nil {
		return err
	}
	if summary.InputSegments == 0 {
		fmt.Fprintln(s.out, "Nothing to compact")
		return nil
	}
	fmt.Fprintf(s.out, "Compacted %d segments into %d in %v: %d keys moved, %d dropped, %d bytes reclaimed\n",
		summary.InputSegments, summary.OutputSegments, summary.Duration.Round(time.Microsecond),
		summary.MovedKeys, summary.DroppedKeys, summary.ReclaimedBytes())
	return nil
}
