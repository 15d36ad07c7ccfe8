/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/profile"

	"github.com/mandiant/pclnhdr/config"
	"github.com/mandiant/pclnhdr/internal/metrics"
	"github.com/mandiant/pclnhdr/pcheader"
)

var versions = []string{"122", "121", "120", "119", "118"}
var fileNames = []string{"testproject_lin", "testproject_lin_32", "testproject_lin_stripped", "testproject_lin_stripped_32", "testproject_mac", "testproject_mac_stripped", "testproject_win_32.exe", "testproject_win_stripped_32.exe", "testproject_win_stripped.exe", "testproject_win.exe"}

func checkMetadata(t *testing.T, data ExtractMetadata) {
	t.Helper()
	if data.Error != "" {
		t.Fatalf("analysis failed: %s", data.Error)
	}
	if data.State != pcheader.StateMaterialized.String() {
		t.Errorf("state %s", data.State)
	}
	if data.Anchor != data.Pclntab.Start {
		t.Errorf("anchor 0x%x, pclntab %s", data.Anchor, data.Pclntab)
	}
	if data.Version != pcheader.Pclntab118 && data.Version != pcheader.Pclntab120 {
		t.Errorf("version %q", data.Version)
	}
	if len(data.Tables) != 6 {
		t.Errorf("%d tables resolved", len(data.Tables))
	}
	// header plus five sub-tables
	if len(data.Regions) != 6 {
		t.Errorf("%d regions created", len(data.Regions))
	}
	if len(data.References) != 6 {
		t.Errorf("%d references added", len(data.References))
	}
}

// TestAllVersions analyzes the testproject builds under test/build, when
// they have been generated.
func TestAllVersions(t *testing.T) {
	defer profile.Start(profile.ProfilePath("."), profile.Quiet).Stop()

	workingDirectory, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory")
	}

	conf := config.Default()
	for _, v := range versions {
		for _, file := range fileNames {
			versionPath := fmt.Sprintf("%s/%s", v, file)
			filePath := filepath.Join(workingDirectory, "test", "build", versionPath)
			if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
				continue
			}

			t.Run(versionPath, func(t *testing.T) {
				data, err := main_impl(context.Background(), filePath, conf, true, nil)
				if err != nil {
					t.Fatalf("Go %s failed on %s: %s", v, file, err)
				}
				checkMetadata(t, data)
				if data.Arch == "" {
					t.Errorf("Go %s Arch failed on %s", v, file)
				}
			})
		}
	}
}

func TestSelf(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}

	collector := metrics.New("")
	data, err := main_impl(context.Background(), exe, config.Default(), true, collector)
	if err != nil && strings.Contains(err.Error(), "big-endian") {
		t.Skip(err)
	}
	if err != nil {
		t.Fatal(err)
	}
	checkMetadata(t, data)

	found := false
	for _, c := range data.Candidates {
		if c.Addr == data.Anchor && c.Valid() {
			found = true
		}
	}
	if !found {
		t.Errorf("scan missed the header at 0x%x", data.Anchor)
	}

	var text bytes.Buffer
	if err := collector.WriteText(&text); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.String(), `pclnhdr_analyses_total{outcome="success"} 1`) {
		t.Errorf("metrics:\n%s", text.String())
	}
}

func TestAnalyzeAll(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "missing")

	conf := config.Default()
	conf.Jobs = 2
	results, err := analyzeAll(context.Background(), []string{exe, missing, exe}, conf, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("%d results", len(results))
	}
	if results[1].File != missing || !strings.Contains(results[1].Error, "invalid file") {
		t.Errorf("missing file result = %+v", results[1])
	}
	if results[0].File != exe || results[2].File != exe {
		t.Errorf("results out of order")
	}

	bad := config.Default()
	bad.Layout = "v2"
	if _, err := main_impl(context.Background(), exe, bad, false, nil); err == nil || !strings.Contains(err.Error(), "unknown header layout") {
		t.Errorf("unknown layout returned %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := analyzeAll(ctx, []string{exe}, conf, false, nil); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("canceled batch returned %v", err)
	}
}

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(&stdout, &stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCommand(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}

	t.Run("json", func(t *testing.T) {
		stdout, _, err := runCommand(t, "--conflict", "fail", exe)
		if err != nil {
			t.Skipf("analysis of the test binary failed: %v", err)
		}
		var data ExtractMetadata
		if err := json.Unmarshal([]byte(stdout), &data); err != nil {
			t.Fatalf("output is not json: %v\n%s", err, stdout)
		}
		checkMetadata(t, data)
	})

	t.Run("human", func(t *testing.T) {
		stdout, _, err := runCommand(t, "--human", exe)
		if err != nil {
			t.Skipf("analysis of the test binary failed: %v", err)
		}
		for _, want := range []string{"----pclnhdr----", "-HEADER-", "-TABLES-", "pctabOffset:"} {
			if !strings.Contains(stdout, want) {
				t.Errorf("human output lacks %q", want)
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		_, stderr, err := runCommand(t, "--metrics", exe)
		if err != nil {
			t.Skipf("analysis of the test binary failed: %v", err)
		}
		if !strings.Contains(stderr, "pclnhdr_phase_seconds") {
			t.Errorf("no metrics on stderr:\n%s", stderr)
		}
	})

	t.Run("failed file", func(t *testing.T) {
		stdout, _, err := runCommand(t, filepath.Join(t.TempDir(), "missing"))
		var batch errAnalysisFailed
		if !errors.As(err, &batch) || batch.failed != 1 {
			t.Errorf("err = %v", err)
		}
		var out map[string]string
		if err := json.Unmarshal([]byte(stdout), &out); err != nil || !strings.Contains(out["error"], "invalid file") {
			t.Errorf("error output = %q", stdout)
		}
	})

	t.Run("no file", func(t *testing.T) {
		if _, _, err := runCommand(t); err == nil {
			t.Errorf("missing file argument accepted")
		}
	})

	t.Run("bad flags", func(t *testing.T) {
		if _, _, err := runCommand(t, "--conflict", "overwrite", exe); err == nil {
			t.Errorf("bad conflict policy accepted")
		}
		if _, _, err := runCommand(t, "--log-output", "all", exe); err == nil {
			t.Errorf("--log-output without --log accepted")
		}
	})

	t.Run("save config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pclnhdr.yml")
		if _, _, err := runCommand(t, "--save-config", path, "--jobs", "3", "--layout", "v0"); err != nil {
			t.Fatal(err)
		}
		conf, err := config.LoadConfig(path)
		if err != nil {
			t.Fatal(err)
		}
		if conf.Jobs != 3 || conf.Layout != "v0" {
			t.Errorf("saved %+v", conf)
		}
	})
}
