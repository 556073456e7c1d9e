// Package coverage reads JaCoCo XML reports into coverage snapshots and the
// list of methods no test has reached yet.
package coverage

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"covloop/internal/core"
)

var (
	ErrReportMissing   = errors.New("coverage report missing")
	ErrReportMalformed = errors.New("coverage report malformed")
)

const (
	CounterInstruction = "INSTRUCTION"
	CounterBranch      = "BRANCH"
	CounterLine        = "LINE"
	CounterComplexity  = "COMPLEXITY"
	CounterMethod      = "METHOD"
	CounterClass       = "CLASS"
)

type Counter struct {
	Missed  int `json:"missed"`
	Covered int `json:"covered"`
}

func (c Counter) Percentage() (float64, bool) {
	total := c.Missed + c.Covered
	if total == 0 {
		return 0, false
	}
	return float64(c.Covered) / float64(total) * 100, true
}

type Measurement struct {
	ReportName string                 `json:"report_name"`
	Snapshot   core.CoverageSnapshot  `json:"snapshot"`
	Counters   map[string]Counter     `json:"counters"`
	Uncovered  []core.UncoveredMethod `json:"uncovered"`
	Partial    []core.PartialMethod   `json:"partial"`
}

// Read parses the report at path. A missing file means the build has not
// produced coverage yet and is reported as ErrReportMissing.
func Read(path string) (Measurement, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Measurement{}, fmt.Errorf("%w at %s; run the build first", ErrReportMissing, path)
	}
	if err != nil {
		return Measurement{}, fmt.Errorf("open coverage report: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Measurement{}, fmt.Errorf("stat coverage report: %w", err)
	}
	if info.IsDir() {
		return Measurement{}, fmt.Errorf("%w: %s is a directory", ErrReportMalformed, path)
	}

	return Parse(file, info.ModTime())
}

// Parse decodes a JaCoCo XML document. fallbackTime stamps the snapshot when
// the report carries no session information.
func Parse(r io.Reader, fallbackTime time.Time) (Measurement, error) {
	var report xmlReport
	decoder := xml.NewDecoder(r)
	decoder.Strict = true
	if err := decoder.Decode(&report); err != nil {
		return Measurement{}, fmt.Errorf("%w: %v", ErrReportMalformed, err)
	}

	counters := make(map[string]Counter)
	for _, c := range report.Counters {
		if c.Missed < 0 || c.Covered < 0 {
			return Measurement{}, fmt.Errorf("%w: negative %s counter", ErrReportMalformed, c.Type)
		}
		counters[c.Type] = Counter{Missed: c.Missed, Covered: c.Covered}
	}

	packages := report.allPackages()
	if _, ok := counters[CounterLine]; !ok {
		counters[CounterLine] = sumClassLines(packages)
	}

	line := counters[CounterLine]
	measurement := Measurement{
		ReportName: report.Name,
		Counters:   counters,
		Snapshot: core.CoverageSnapshot{
			Timestamp:    report.timestamp(fallbackTime),
			TotalLines:   line.Missed + line.Covered,
			CoveredLines: line.Covered,
		},
	}

	for _, pkg := range packages {
		uncovered, partial, err := pkg.methods()
		if err != nil {
			return Measurement{}, err
		}
		measurement.Uncovered = append(measurement.Uncovered, uncovered...)
		measurement.Partial = append(measurement.Partial, partial...)
	}

	return measurement, nil
}

func sumClassLines(packages []xmlPackage) Counter {
	var total Counter
	for _, pkg := range packages {
		for _, class := range pkg.Classes {
			if c, ok := findCounter(class.Counters, CounterLine); ok {
				total.Missed += c.Missed
				total.Covered += c.Covered
			}
		}
	}
	return total
}

func (p xmlPackage) methods() ([]core.UncoveredMethod, []core.PartialMethod, error) {
	spans := p.methodSpans()

	var uncovered []core.UncoveredMethod
	var partial []core.PartialMethod
	for _, class := range p.Classes {
		className := dotted(class.Name)
		for _, method := range class.Methods {
			line, ok := findCounter(method.Counters, CounterLine)
			if !ok {
				continue
			}
			if line.Missed < 0 || line.Covered < 0 {
				return nil, nil, fmt.Errorf("%w: negative LINE counter on %s.%s", ErrReportMalformed, className, method.Name)
			}
			if line.Missed == 0 {
				continue
			}

			entry := core.UncoveredMethod{
				ClassName:        className,
				MethodSignature:  method.Name + method.Desc,
				SourceFile:       class.SourceFileName,
				FirstLine:        method.Line,
				MissedLineRanges: spans.missedRanges(class.SourceFileName, method.Line),
			}
			if line.Covered == 0 {
				uncovered = append(uncovered, entry)
				continue
			}
			partial = append(partial, core.PartialMethod{
				UncoveredMethod: entry,
				CoveredLines:    line.Covered,
				MissedLines:     line.Missed,
			})
		}
	}
	return uncovered, partial, nil
}

// sourceSpans holds, per source file, the sorted method start lines and the
// per-line hit data.
type sourceSpans struct {
	starts map[string][]int
	lines  map[string][]xmlLine
}

func (p xmlPackage) methodSpans() sourceSpans {
	spans := sourceSpans{
		starts: make(map[string][]int),
		lines:  make(map[string][]xmlLine),
	}
	for _, class := range p.Classes {
		for _, method := range class.Methods {
			if method.Line > 0 {
				spans.starts[class.SourceFileName] = append(spans.starts[class.SourceFileName], method.Line)
			}
		}
	}
	for name, starts := range spans.starts {
		sort.Ints(starts)
		spans.starts[name] = starts
	}
	for _, source := range p.SourceFiles {
		lines := append([]xmlLine(nil), source.Lines...)
		sort.Slice(lines, func(i, j int) bool { return lines[i].Nr < lines[j].Nr })
		spans.lines[source.Name] = lines
	}
	return spans
}

func (s sourceSpans) missedRanges(sourceFile string, firstLine int) []core.LineRange {
	if firstLine <= 0 {
		return nil
	}
	lines := s.lines[sourceFile]
	if len(lines) == 0 {
		return nil
	}

	end := lines[len(lines)-1].Nr
	for _, start := range s.starts[sourceFile] {
		if start > firstLine {
			end = start - 1
			break
		}
	}

	var ranges []core.LineRange
	for _, line := range lines {
		if line.Nr < firstLine || line.Nr > end {
			continue
		}
		if line.MI == 0 || line.CI > 0 {
			continue
		}
		if n := len(ranges); n > 0 && ranges[n-1].End == line.Nr-1 {
			ranges[n-1].End = line.Nr
			continue
		}
		ranges = append(ranges, core.LineRange{Start: line.Nr, End: line.Nr})
	}
	return ranges
}

func findCounter(counters []xmlCounter, kind string) (Counter, bool) {
	for _, c := range counters {
		if c.Type == kind {
			return Counter{Missed: c.Missed, Covered: c.Covered}, true
		}
	}
	return Counter{}, false
}

func dotted(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

type xmlReport struct {
	XMLName  xml.Name     `xml:"report"`
	Name     string       `xml:"name,attr"`
	Sessions []xmlSession `xml:"sessioninfo"`
	Groups   []xmlGroup   `xml:"group"`
	Packages []xmlPackage `xml:"package"`
	Counters []xmlCounter `xml:"counter"`
}

func (r xmlReport) allPackages() []xmlPackage {
	packages := append([]xmlPackage(nil), r.Packages...)
	for _, group := range r.Groups {
		packages = append(packages, group.allPackages()...)
	}
	return packages
}

func (r xmlReport) timestamp(fallback time.Time) time.Time {
	var latest int64
	for _, session := range r.Sessions {
		if session.Dump > latest {
			latest = session.Dump
		}
	}
	if latest == 0 {
		return fallback
	}
	return time.UnixMilli(latest)
}

type xmlSession struct {
	ID    string `xml:"id,attr"`
	Start int64  `xml:"start,attr"`
	Dump  int64  `xml:"dump,attr"`
}

type xmlGroup struct {
	Name     string       `xml:"name,attr"`
	Groups   []xmlGroup   `xml:"group"`
	Packages []xmlPackage `xml:"package"`
	Counters []xmlCounter `xml:"counter"`
}

func (g xmlGroup) allPackages() []xmlPackage {
	packages := append([]xmlPackage(nil), g.Packages...)
	for _, child := range g.Groups {
		packages = append(packages, child.allPackages()...)
	}
	return packages
}

type xmlPackage struct {
	Name        string          `xml:"name,attr"`
	Classes     []xmlClass      `xml:"class"`
	SourceFiles []xmlSourceFile `xml:"sourcefile"`
	Counters    []xmlCounter    `xml:"counter"`
}

type xmlClass struct {
	Name           string       `xml:"name,attr"`
	SourceFileName string       `xml:"sourcefilename,attr"`
	Methods        []xmlMethod  `xml:"method"`
	Counters       []xmlCounter `xml:"counter"`
}

type xmlMethod struct {
	Name     string       `xml:"name,attr"`
	Desc     string       `xml:"desc,attr"`
	Line     int          `xml:"line,attr"`
	Counters []xmlCounter `xml:"counter"`
}

type xmlSourceFile struct {
	Name  string    `xml:"name,attr"`
	Lines []xmlLine `xml:"line"`
}

type xmlLine struct {
	Nr int `xml:"nr,attr"`
	MI int `xml:"mi,attr"`
	CI int `xml:"ci,attr"`
	MB int `xml:"mb,attr"`
	CB int `xml:"cb,attr"`
}

type xmlCounter struct {
	Type    string `xml:"type,attr"`
	Missed  int    `xml:"missed,attr"`
	Covered int    `xml:"covered,attr"`
}
