package filter

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultBufferFile persists per-diagnostic pass/fail histories.
const DefaultBufferFile = "/opt/hwselftest/hwstresults.buffer"

const depthKey = "QDEPTH"

var errCorruptBuffer = errors.New("corrupt filter buffer")

// Tracked binds a buffer file key to the diagnostic it filters. Order matters:
// filter_params tokens are assigned positionally.
type Tracked struct {
	Key  string
	Diag string
}

// DefaultTracked is the fixed diagnostic table known to the filter.
var DefaultTracked = []Tracked{
	{"HDD", "hdd_status"},
	{"FLASH", "flash_status"},
	{"SDCard", "sdcard_status"},
	{"DRAM", "dram_status"},
	{"HDMI", "hdmiout_status"},
	{"CableCard", "mcard_status"},
	{"RFR", "rf4ce_status"},
	{"IRR", "ir_status"},
	{"MOCA", "moca_status"},
	{"AVDecoder", "avdecoder_qam_status"},
	{"QAMTuner", "tuner_status"},
	{"DOCSIS", "modem_status"},
	{"BTLE", "bluetooth_status"},
	{"WiFi", "wifi_status"},
	{"WAN", "wan_status"},
}

// readBuffer parses QDEPTH=<n> followed by <key>=<history> lines.
func readBuffer(path string) (int, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first, err := br.ReadString('\n')
	if err != nil && first == "" {
		return 0, nil, fmt.Errorf("%w: empty file", errCorruptBuffer)
	}
	k, v, ok := strings.Cut(strings.TrimSpace(first), "=")
	if !ok || k != depthKey {
		return 0, nil, fmt.Errorf("%w: first line %q", errCorruptBuffer, strings.TrimSpace(first))
	}
	depth, err := strconv.Atoi(v)
	if err != nil || depth <= 0 {
		return 0, nil, fmt.Errorf("%w: depth %q", errCorruptBuffer, v)
	}
	entries, err := godotenv.Parse(br)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errCorruptBuffer, err)
	}
	return depth, entries, nil
}

// writeBuffer replaces path through a temp file in the same directory.
func writeBuffer(path string, depth int, tracked []Tracked, histories []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "%s=%d\n", depthKey, depth)
	for i, t := range tracked {
		fmt.Fprintf(w, "%s=%s\n", t.Key, histories[i])
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// sanitize maps anything that is not 'F' to 'P'.
func sanitize(h string) string {
	return strings.Map(func(r rune) rune {
		if r == 'F' {
			return 'F'
		}
		return 'P'
	}, h)
}
