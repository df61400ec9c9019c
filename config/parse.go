// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	errBadDirective = errors.New("bad configuration directive")
	errMissingF     = errors.New("configuration missing f directive")
)

// Parse reads the line-oriented configuration format:
//
//	f 1
//	group 0
//	replica 10.0.0.1 12345
//	replica 10.0.0.2 12345
//	multicast 10.0.255.1 12346
//	sequencer 10.0.0.100 12347
//	fc 10.0.0.200 12348
//
// Lines starting with # and blank lines are skipped. Replica lines
// before any group directive belong to group 0. A replica line may
// carry a trailing device name, which is ignored here.
func Parse(r io.Reader) (*Configuration, error) {
	cfg := &Configuration{F: -1}
	group := -1
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "f":
			if len(fields) != 2 {
				return nil, directiveErr(line, text)
			}
			f, err := strconv.Atoi(fields[1])
			if err != nil || f < 0 {
				return nil, directiveErr(line, text)
			}
			cfg.F = f

		case "group":
			if len(fields) > 2 {
				return nil, directiveErr(line, text)
			}
			group++
			cfg.Replicas = append(cfg.Replicas, nil)

		case "replica":
			if len(fields) != 3 && len(fields) != 4 {
				return nil, directiveErr(line, text)
			}
			if group < 0 {
				group = 0
				cfg.Replicas = append(cfg.Replicas, nil)
			}
			cfg.Replicas[group] = append(cfg.Replicas[group],
				ReplicaAddress{Host: fields[1], Port: fields[2]})

		case "multicast":
			if len(fields) != 3 {
				return nil, directiveErr(line, text)
			}
			cfg.Multicast = &ReplicaAddress{Host: fields[1], Port: fields[2]}

		case "sequencer":
			if len(fields) != 3 {
				return nil, directiveErr(line, text)
			}
			cfg.Sequencers = append(cfg.Sequencers,
				ReplicaAddress{Host: fields[1], Port: fields[2]})

		case "fc":
			if len(fields) != 3 {
				return nil, directiveErr(line, text)
			}
			cfg.FC = &ReplicaAddress{Host: fields[1], Port: fields[2]}

		default:
			return nil, directiveErr(line, text)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cfg.F < 0 {
		return nil, errMissingF
	}
	if len(cfg.Replicas) == 0 {
		return nil, errNoReplicas
	}
	return cfg, nil
}

// ParseString parses a configuration held in memory.
func ParseString(s string) (*Configuration, error) {
	return Parse(strings.NewReader(s))
}

func directiveErr(line int, text string) error {
	return fmt.Errorf("%w: line %d: %q", errBadDirective, line, text)
}
