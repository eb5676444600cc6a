// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package info carries build metadata.
package info

// Version is the collector version, overridable at build time with
// -ldflags "-X github.com/DataDog/hikari/pkg/collector/info.Version=...".
var Version = "0.1.0"
