// Copyright 2022-2023 VMware, Inc.
//
// This product is licensed to you under the BSD-2 license (the "License").
// You may not use this product except in compliance with the BSD-2 License.
// This product may include a number of subcomponents with separate copyright
// notices and license terms. Your use of these subcomponents is subject to
// the terms and conditions of the subcomponent's license, as noted in the
// LICENSE file.
//
// SPDX-License-Identifier: BSD-2-Clause

package trustengine

import (
	glob "github.com/ryanuber/go-glob"
	"github.com/tufdev/go-tuf-metadata/metadata"
)

// pathMatchesChain reports whether targetPath is admitted by every level of
// ancestor path patterns gathered on the way down the delegation graph. An
// ancestor level with no patterns recorded (a delegation that didn't
// constrain paths) admits everything.
func pathMatchesChain(targetPath string, parents [][]string) bool {
	for _, patterns := range parents {
		if len(patterns) == 0 {
			continue
		}
		matched := false
		for _, pattern := range patterns {
			if glob.Glob(pattern, targetPath) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// resolveDelegation performs the depth-first search over the delegation
// graph used by TargetDescription. It mirrors the nested lookup() closure
// of the upstream reference implementation: each call returns
// (terminate, description). A true terminate propagates up immediately
// regardless of whether a description was found; otherwise a found
// description propagates with whatever terminate value its own level
// produced; otherwise the search continues to the next sibling delegation.
func (e *Engine) resolveDelegation(defaultTerminate bool, depth int, targetPath string, delegations *metadata.Delegations, parents [][]string, visited map[string]bool) (bool, *metadata.TargetDescription) {
	for _, delegation := range delegations.Roles {
		if visited[delegation.Name] {
			return delegation.Terminating, nil
		}
		visited[delegation.Name] = true

		newParents := append(append([][]string{}, parents...), delegation.Paths)

		if depth > 0 && !pathMatchesChain(targetPath, parents) {
			return delegation.Terminating, nil
		}

		child, ok := e.delegations[delegation.Name]
		if !ok {
			return delegation.Terminating, nil
		}
		if child.Signed.IsExpired(e.clock.Now()) {
			return delegation.Terminating, nil
		}

		if d, ok := child.Signed.Targets[targetPath]; ok {
			return delegation.Terminating, &d
		}

		if child.Signed.Delegations != nil {
			term, desc := e.resolveDelegation(delegation.Terminating, depth+1, targetPath, child.Signed.Delegations, newParents, visited)
			if term {
				return true, desc
			}
			if desc != nil {
				return term, desc
			}
		}
	}
	return defaultTerminate, nil
}
