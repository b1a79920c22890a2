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
	"github.com/pkg/errors"
	"github.com/secure-systems-lab/go-securesystemslib/cjson"
)

// canonicalize produces the deterministic byte encoding of a Signed
// payload used as the signature input. Interchange format is isolated to
// this one function and FromBytes; in practice it is always canonical JSON.
func canonicalize(signed any) ([]byte, error) {
	b, err := cjson.EncodeCanonical(signed)
	if err != nil {
		return nil, errors.Wrap(err, "canonicalizing signed payload")
	}
	return b, nil
}
