// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-bitacross.
//
// go-bitacross is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeremyhahn/go-bitacross/pkg/health"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintPublicKeys prints the four enclave public keys
func (p *Printer) PrintPublicKeys(keys keyrepo.PublicKeys) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(keys)
	case OutputFormatTable:
		fmt.Fprintf(p.writer, "%-10s %s\n", "KEY", "PUBLIC KEY")
		fmt.Fprintln(p.writer, strings.Repeat("-", 80))
		for _, row := range publicKeyRows(keys) {
			fmt.Fprintf(p.writer, "%-10s %s\n", row[0], row[1])
		}
		return nil
	case OutputFormatText:
		for _, row := range publicKeyRows(keys) {
			fmt.Fprintf(p.writer, "%-9s %s\n", row[0]+":", row[1])
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func publicKeyRows(keys keyrepo.PublicKeys) [][2]string {
	return [][2]string{
		{"bitcoin", keys.Bitcoin.String()},
		{"ethereum", keys.Ethereum.String()},
		{"ton", keys.Ton.String()},
		{"signing", keys.Signing.String()},
	}
}

// PrintValue prints a single named value such as a signature or a shard
func (p *Printer) PrintValue(name, value string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			name: value,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, value)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintList prints registry entries. columns names each field of a row.
func (p *Printer) PrintList(name string, columns []string, rows [][]string) error {
	switch p.format {
	case OutputFormatJSON:
		items := make([]map[string]string, len(rows))
		for i, row := range rows {
			items[i] = make(map[string]string, len(columns))
			for j, col := range columns {
				items[i][col] = row[j]
			}
		}
		return p.printJSON(map[string]interface{}{
			name: items,
		})
	case OutputFormatTable:
		if len(rows) == 0 {
			fmt.Fprintf(p.writer, "No %s found\n", name)
			return nil
		}
		header := make([]string, len(columns))
		for i, col := range columns {
			header[i] = strings.ToUpper(col)
		}
		fmt.Fprintln(p.writer, strings.Join(header, "\t"))
		fmt.Fprintln(p.writer, strings.Repeat("-", 72))
		for _, row := range rows {
			fmt.Fprintln(p.writer, strings.Join(row, "\t"))
		}
		return nil
	case OutputFormatText:
		if len(rows) == 0 {
			fmt.Fprintf(p.writer, "No %s found\n", name)
			return nil
		}
		fmt.Fprintf(p.writer, "%s:\n", strings.ToUpper(name[:1])+name[1:])
		for _, row := range rows {
			fmt.Fprintf(p.writer, "  - %s\n", strings.Join(row, " "))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintHealth prints a readiness report
func (p *Printer) PrintHealth(report *health.Report) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(report)
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintf(p.writer, "Status:  %s\n", report.Status)
		fmt.Fprintf(p.writer, "Started: %t\n", report.Started)
		fmt.Fprintf(p.writer, "Uptime:  %s\n", report.Uptime)
		for _, check := range report.Checks {
			line := fmt.Sprintf("  %-10s %s", check.Name, check.Status)
			if check.Message != "" {
				line += " (" + check.Message + ")"
			}
			if check.Error != "" {
				line += ": " + check.Error
			}
			fmt.Fprintln(p.writer, line)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
