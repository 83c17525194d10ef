// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package chain runs workflows in sequence. Each step is gated by a predicate
// over the previous step's result (status, outputs, input, execution_id) and
// receives an input built from declarative field mappings.
package chain
