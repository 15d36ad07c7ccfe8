/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package config

import (
	"io/ioutil"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mandiant/pclnhdr/pcheader"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pclnhdr.yml")
	if err := ioutil.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c, Default()) {
		t.Errorf("LoadConfig(\"\") = %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
	if p, err := c.Policy(); err != nil || p != pcheader.ConflictSkip {
		t.Errorf("default policy %s, %v", p, err)
	}
	if reg, err := c.Registry(); err != nil || reg != pcheader.NativeRegistry() {
		t.Errorf("default layout %q, %v", c.Layout, err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
anchor-symbols: ["go:pclntab", "runtime.pclntab"]
conflict-policy: clear
layout: v0
jobs: 4
log: true
log-output: analysis,listing
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c.AnchorSymbols, []string{"go:pclntab", "runtime.pclntab"}) {
		t.Errorf("anchor-symbols = %v", c.AnchorSymbols)
	}
	if p, _ := c.Policy(); p != pcheader.ConflictClear || c.Jobs != 4 || !c.Log || c.LogOutput != "analysis,listing" {
		t.Errorf("decoded %+v", c)
	}
	if reg, err := c.Registry(); err != nil || reg != pcheader.DefaultRegistry() {
		t.Errorf("layout %q, %v", c.Layout, err)
	}
	// unset keys keep their defaults
	if c.PageSize != defaultPageSize || c.CachePages != defaultCachePages {
		t.Errorf("page settings lost defaults: %d, %d", c.PageSize, c.CachePages)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"bad policy":         "conflict-policy: overwrite\n",
		"bad layout":         "layout: v2\n",
		"zero jobs":          "jobs: 0\n",
		"odd page size":      "page-size: 1000\n",
		"no cache":           "cache-pages: 0\n",
		"empty anchors":      "anchor-symbols: []\n",
		"output without log": "log-output: all\n",
		"unknown key":        "threads: 3\n",
		"not yaml":           "jobs: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, content)); err == nil {
				t.Errorf("expected an error")
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Errorf("missing file accepted")
	}
}

func TestInvalidSettings(t *testing.T) {
	c := Default()
	c.Layout = "v2"
	if reg, err := c.Registry(); err == nil || reg != nil {
		t.Errorf("layout %q resolved to %v", c.Layout, reg)
	}
	c.ConflictPolicy = "overwrite"
	if _, err := c.Policy(); err == nil {
		t.Errorf("conflict policy %q accepted", c.ConflictPolicy)
	}
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yml")
	c := Default()
	c.Jobs = 8
	if err := SaveConfig(c, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loaded, c) {
		t.Errorf("saved %+v, loaded %+v", c, loaded)
	}
}
