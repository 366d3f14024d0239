/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package metrics

import "strconv"

func compLabel(comp uint8) string {
	return strconv.Itoa(int(comp))
}

func funcIDLabel(funcID uint64) string {
	return strconv.FormatUint(funcID, 10)
}

func rpcIndexLabel(rpcIndex int) string {
	return strconv.Itoa(rpcIndex)
}
