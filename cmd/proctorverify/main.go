// Command proctorverify independently verifies a proctord audit log.
//
// It runs without a daemon and on any machine that holds the log directory
// and the secrets directory, making it suitable for offline review and
// third-party audits.
//
// Usage:
//
//	proctorverify [flags] <log-dir>
//
// Examples:
//
//	# Basic verification against the published session keys
//	proctorverify -secrets ~/.local/share/proctord/secrets ./log
//
//	# Per-segment violation detail as JSON
//	proctorverify -secrets ./secrets -format json -verbose ./log
//
//	# Pin an out-of-band copy of the public key
//	proctorverify -secrets ./secrets -public-key session.pub ./log
//
//	# Export verified records for review
//	proctorverify -secrets ./secrets -export records.csv ./log
//
// Exit codes: 0 VALID, 1 TAMPERED, 2 INCOMPLETE, 3 usage or I/O error.
package main

import (
	"flag"
	"fmt"
	"os"

	"proctord/internal/verify"
)

var version = "dev"

func main() {
	secrets := flag.String("secrets", "", "secrets directory holding the master key (required)")
	publicKey := flag.String("public-key", "", "public key file overriding the published per-session keys")
	format := flag.String("format", "text", "output format: text, json")
	verbose := flag.Bool("verbose", false, "print per-segment violation detail")
	export := flag.String("export", "", "write verified records as CSV to this file (VALID logs only)")
	quiet := flag.Bool("quiet", false, "print only the result")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "proctorverify - verify a proctord audit log\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <log-dir>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0  VALID\n  1  TAMPERED\n  2  INCOMPLETE\n  3  usage or I/O error\n")
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("proctorverify %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() != 1 || *secrets == "" {
		flag.Usage()
		os.Exit(3)
	}
	switch *format {
	case "text", "json":
	default:
		fmt.Fprintf(os.Stderr, "unknown format %q\n", *format)
		os.Exit(3)
	}

	opts := verify.Options{
		LogDir:        flag.Arg(0),
		SecretsDir:    *secrets,
		PublicKeyPath: *publicKey,
	}

	var report *verify.Report
	var err error
	if *export != "" {
		report, err = runExport(opts, *export)
	} else {
		report, err = verify.Verify(opts)
	}
	if err != nil && report == nil {
		fmt.Fprintf(os.Stderr, "proctorverify: %v\n", err)
		os.Exit(3)
	}

	switch {
	case *quiet:
		fmt.Println(report.Result)
	case *format == "json":
		out, jerr := report.JSON()
		if jerr != nil {
			fmt.Fprintf(os.Stderr, "proctorverify: %v\n", jerr)
			os.Exit(3)
		}
		fmt.Println(string(out))
	default:
		fmt.Print(report.Text(*verbose))
	}
	if err != nil && !*quiet {
		fmt.Fprintf(os.Stderr, "proctorverify: %v\n", err)
	}
	os.Exit(report.ExitCode())
}

func runExport(opts verify.Options, path string) (*verify.Report, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	report, err := verify.ExportCSV(opts, f)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	// Leave no partial or refused export behind.
	if err != nil {
		os.Remove(path)
	}
	return report, err
}
