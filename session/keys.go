// Copyright 2022 The stagybee Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"encoding/hex"
	"fmt"

	"github.com/stagybee/extractor/extractor"
	"github.com/zeebo/blake3"
)

// Key identifies one upstream congregation session. Subscribers presenting the same
// credentials share one Key, and so one extractor.
type Key string

// SubscriptionID identifies one (Key, callback URL) pairing
type SubscriptionID string

/*
DeriveKey compute the session key of a set of credentials

An explicit ID of exactly the upstream key length is used as is. Shorter or longer IDs
are not trusted as upstream keys: they fall back, like a missing ID, to the hex
BLAKE3-256 digest of "congregation:username:password". Collisions between different
credential sets are not handled.

 @param creds extractor.Credentials - the credentials
 @return the session key
*/
func DeriveKey(creds extractor.Credentials) Key {
	if len(creds.ID) == extractor.AutoLoginKeyLength {
		return Key(creds.ID)
	}
	digest := blake3.Sum256(
		[]byte(fmt.Sprintf("%s:%s:%s", creds.Congregation, creds.Username, creds.Password)),
	)
	return Key(hex.EncodeToString(digest[:]))
}
