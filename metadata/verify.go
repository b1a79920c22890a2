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

package metadata

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// VerifyThreshold checks signature threshold: given a canonicalized
// payload, a set of candidate keys, and the signatures a document
// carries, it requires at least threshold distinct keys to have produced
// a good signature over payload.
//
// Signatures whose key_id isn't in candidateKeys are skipped silently.
// Each key contributes at most one "good" count regardless of how many
// signatures reference it.
func VerifyThreshold(payload []byte, candidateKeys map[string]*Key, sigs []Signature, threshold int) error {
	good := map[string]bool{}
	for _, sig := range sigs {
		key, ok := candidateKeys[sig.KeyID]
		if !ok {
			log.Debugf("Skipping signature from unknown key %s\n", sig.KeyID)
			continue
		}
		if err := key.Verify(sig.Scheme, payload, sig.Sig); err != nil {
			log.Debugf("Signature from key %s did not verify: %v\n", sig.KeyID, err)
			continue
		}
		good[sig.KeyID] = true
	}
	if len(good) < threshold {
		return &VerificationFailure{Reason: fmt.Sprintf("Signature threshold not met: %d/%d", len(good), threshold)}
	}
	log.Debugf("Signature threshold met: %d/%d\n", len(good), threshold)
	return nil
}
