package report

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

type junitSuites struct {
	XMLName xml.Name     `xml:"testsuites"`
	Suites  []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name       string          `xml:"name,attr"`
	Package    string          `xml:"package,attr"`
	Timestamp  string          `xml:"timestamp,attr"`
	ID         int             `xml:"id,attr"`
	Hostname   string          `xml:"hostname,attr"`
	Tests      int             `xml:"tests,attr"`
	Errors     int             `xml:"errors,attr"`
	Failures   int             `xml:"failures,attr"`
	Skipped    int             `xml:"skipped,attr"`
	Time       string          `xml:"time,attr"`
	Properties []junitProperty `xml:"properties>property,omitempty"`
	Cases      []junitCase     `xml:"testcase"`
	SystemOut  junitCData      `xml:"system-out"`
	SystemErr  junitCData      `xml:"system-err"`
}

type junitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Time      string        `xml:"time,attr"`
	ClassName string        `xml:"classname,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *struct{}     `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Type    string `xml:"type,attr"`
	Message string `xml:",chardata"`
}

type junitCData struct {
	Text string `xml:",cdata"`
}

// JUnitSink writes a JUnit XML file with one testsuite per worker, in
// launch order, replacing the file after every cycle.
type JUnitSink struct {
	path  string
	suite string
}

// NewJUnitSink creates a JUnit sink. suite is used as the package name.
func NewJUnitSink(path, suite string) *JUnitSink {
	return &JUnitSink{path: path, suite: suite}
}

// Name implements Sink.
func (s *JUnitSink) Name() string { return "junit" }

// Emit implements Sink.
func (s *JUnitSink) Emit(r *RunReport) error {
	data, err := s.Render(r)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

// Render returns the XML document for a report.
func (s *JUnitSink) Render(r *RunReport) ([]byte, error) {
	hostname, _ := os.Hostname()
	pkg := s.suite
	if pkg == "" {
		pkg = r.Suite
	}
	timestamp := r.StartedAt.UTC().Format("2006-01-02T15:04:05")

	doc := junitSuites{}
	for i, w := range r.Workers {
		js := junitSuite{
			Name:      w.Name,
			Package:   pkg,
			Timestamp: timestamp,
			ID:        i,
			Hostname:  hostname,
			Tests:     len(w.Tests),
			Errors:    len(w.Errors),
			Failures:  w.Failed,
			Skipped:   w.Skipped,
			Time:      seconds(w.Duration.Seconds()),
		}
		if w.UserAgent != "" {
			js.Properties = []junitProperty{{Name: "browser.fullName", Value: w.UserAgent}}
		}
		for _, t := range w.Tests {
			js.Cases = append(js.Cases, junitTestCase(pkg, w.Name, t))
		}
		js.SystemErr.Text = errorText(w.Errors, w.Pending)
		doc.Suites = append(doc.Suites, js)
	}

	if len(r.Errors) > 0 {
		doc.Suites = append(doc.Suites, junitSuite{
			Name:      "test-swarm",
			Package:   pkg,
			Timestamp: timestamp,
			ID:        len(r.Workers),
			Hostname:  hostname,
			Errors:    len(r.Errors),
			Time:      seconds(r.Duration().Seconds()),
			SystemErr: junitCData{Text: errorText(r.Errors, nil)},
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode junit report: %w", err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func junitTestCase(pkg, worker string, t TestResult) junitCase {
	classParts := []string{}
	if pkg != "" {
		classParts = append(classParts, pkg)
	}
	classParts = append(classParts, strings.ReplaceAll(worker, ".", "_"))
	if t.Suite != "" {
		classParts = append(classParts, t.Suite)
	}

	c := junitCase{
		Name:      t.Name,
		Time:      seconds(t.Duration.Seconds()),
		ClassName: strings.Join(classParts, "."),
	}
	switch t.Outcome {
	case OutcomeFailed:
		c.Failure = &junitFailure{Message: strings.Join(t.Messages, "\n")}
	case OutcomeSkipped:
		c.Skipped = &struct{}{}
	}
	return c
}

func errorText(errs []ErrorEntry, pending []string) string {
	var b strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
		if e.Location != "" {
			fmt.Fprintf(&b, " (%s)", e.Location)
		}
		b.WriteByte('\n')
	}
	for _, p := range pending {
		fmt.Fprintf(&b, "incomplete: %s\n", p)
	}
	return b.String()
}

func seconds(s float64) string {
	return fmt.Sprintf("%.3f", s)
}
