// Copyright (C) 2025 Yelp, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package sources

import "github.com/Yelp/logfeeder/internal/feeder"

const oneLoginDefaultEventDescription = "No Event Description Provided by OneLogin"

// oneLoginEventDescriptions maps event-type-id values to readable
// descriptions. The events API reports only the numeric id; this is the
// subset of the published catalog seen in our accounts, and anything
// else falls back to the default.
var oneLoginEventDescriptions = map[string]string{
	"1":   "App added to role",
	"2":   "App removed from role",
	"3":   "App updated",
	"4":   "Group added",
	"5":   "User logged into OneLogin",
	"6":   "User failed to log into OneLogin",
	"7":   "Group deleted",
	"8":   "User's password changed by admin",
	"9":   "Group updated",
	"10":  "User locked out of OneLogin",
	"11":  "User's password changed",
	"12":  "User suspended",
	"13":  "User created",
	"14":  "App added to user",
	"15":  "App removed from user",
	"16":  "User requested password reset",
	"17":  "User deleted",
	"18":  "User activated",
	"19":  "User's password set to expire",
	"21":  "User updated",
	"22":  "User added to group",
	"23":  "User removed from group",
	"24":  "User's MFA device registered",
	"25":  "User's MFA device removed",
	"30":  "User logged out of OneLogin",
	"32":  "Authentication factor verified",
	"36":  "User failed authentication factor",
	"40":  "User assumed by admin",
	"110": "User logged into app",
	"111": "User failed to log into app",
}

// addOneLoginEventDescriptions stamps every record with a readable
// event-type-description derived from its event-type-id.
func addOneLoginEventDescriptions(rows []feeder.Row) {
	for _, row := range rows {
		id, _ := row["event-type-id"].(string)
		if desc, ok := oneLoginEventDescriptions[id]; ok {
			row["event-type-description"] = desc
		} else {
			row["event-type-description"] = oneLoginDefaultEventDescription
		}
	}
}
