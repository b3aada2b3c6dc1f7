// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/memodesk/cmd/memodesk/config"
)

// runConfigShow prints the effective configuration, after .env files,
// environment and flags have been applied.
func (c *cli) runConfigShow(_ *cobra.Command, _ []string) error {
	data, err := yaml.Marshal(c.cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	c.printer.Printf("%s", data)
	return nil
}

func (c *cli) runConfigPath(_ *cobra.Command, _ []string) error {
	path := c.opts.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	c.printer.Println(path)
	return nil
}

func (c *cli) runVersion(_ *cobra.Command, _ []string) error {
	if c.printer.Machine() {
		c.printer.Field("version", version)
		return nil
	}
	c.printer.Printf("memodesk %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}
