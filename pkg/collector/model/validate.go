// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import (
	"fmt"
	"regexp"
)

const pipelineIDMaxLength = 256

// pipelineIDPattern admits the usual trace-id shapes: hex, UUIDs and custom
// identifiers with separators.
var pipelineIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_:.]+$`)

// ValidatePipelineID rejects pipeline ids that could not have been ingested,
// before they reach a query.
func ValidatePipelineID(id string) error {
	if id == "" {
		return fmt.Errorf("pipeline_id must not be empty")
	}
	if len(id) > pipelineIDMaxLength {
		return fmt.Errorf("pipeline_id must not exceed %d characters", pipelineIDMaxLength)
	}
	if !pipelineIDPattern.MatchString(id) {
		return fmt.Errorf("pipeline_id must contain only alphanumeric characters, hyphens, underscores, colons, and periods")
	}
	return nil
}
