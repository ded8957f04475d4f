package qmemman

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMeminfoUnusable is returned by ParseMeminfo when the input could not
// be turned into a trustworthy "used bytes" figure. Callers treat this as
// "leave mem_used unknown," not as a fatal condition.
var ErrMeminfoUnusable = errors.New("meminfo: unusable report")

const kib = 1024

// ParseMeminfo validates and parses an untrusted per-guest memory report,
// returning the number of bytes of "truly used" memory. Two shapes are
// accepted: a bare decimal kibibyte count (compact form), or a legacy
// `KEY: VALUE` multi-line report. Any parse or plausibility failure
// returns ErrMeminfoUnusable; the caller must set the domain's mem_used
// to unknown rather than trust a partially-parsed value.
func ParseMeminfo(raw []byte) (uint64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return 0, ErrMeminfoUnusable
	}

	if n, ok := parseCompact(text); ok {
		return n * kib, nil
	}

	return parseLegacy(text)
}

func parseCompact(text string) (uint64, bool) {
	if strings.ContainsAny(text, "\n:") {
		return 0, false
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

var legacyKeys = []string{"MemTotal", "MemFree", "Buffers", "Cached", "SwapTotal", "SwapFree"}

func parseLegacy(text string) (uint64, error) {
	values := make(map[string]uint64, len(legacyKeys))

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		key, val, ok := splitMeminfoLine(line)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		values[key] = n
	}

	for _, k := range legacyKeys {
		if _, present := values[k]; !present {
			return 0, errors.Wrapf(ErrMeminfoUnusable, "missing key %s", k)
		}
	}

	memTotal, memFree, buffers := values["MemTotal"], values["MemFree"], values["Buffers"]
	cached, swapTotal, swapFree := values["Cached"], values["SwapTotal"], values["SwapFree"]

	if swapFree > swapTotal {
		return 0, errors.Wrap(ErrMeminfoUnusable, "swap free exceeds swap total")
	}
	if memTotal < memFree+cached+buffers {
		return 0, errors.Wrap(ErrMeminfoUnusable, "total memory inconsistent with free/cached/buffers")
	}

	used := memTotal - memFree - cached - buffers + swapTotal - swapFree
	return used * kib, nil
}

func splitMeminfoLine(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	value = strings.TrimSuffix(value, "kB")
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}
