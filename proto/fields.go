/*
 * Copyright 2025 Comcast Cable Communications Management, LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package proto

import "google.golang.org/protobuf/encoding/protowire"

type fieldKind int

const (
	kindVarint fieldKind = iota
	kindFloat
	kindString
	kindMessage
)

type fieldSpec struct {
	name string
	kind fieldKind
	sub  map[protowire.Number]fieldSpec
}

// displayPropertyFields maps the display property upload payload
// (cmd_func=254, cmd_id=21) to parameter names. Field names mirror the keys
// the same devices use on their JSON push channel so both channels land on
// the same metric identities.
var displayPropertyFields = map[protowire.Number]fieldSpec{
	1:  {name: "errcode", kind: kindVarint},
	2:  {name: "utc_timestamp", kind: kindVarint},
	3:  {name: "dev_online_flag", kind: kindVarint},
	4:  {name: "dev_standby_time", kind: kindVarint},
	5:  {name: "ac_standby_time", kind: kindVarint},
	6:  {name: "dc_standby_time", kind: kindVarint},
	7:  {name: "screen_off_time", kind: kindVarint},
	8:  {name: "lcd_light", kind: kindVarint},
	10: {name: "pow_in_sum_w", kind: kindFloat},
	11: {name: "pow_out_sum_w", kind: kindFloat},
	12: {name: "pow_get_qcusb1", kind: kindFloat},
	13: {name: "pow_get_qcusb2", kind: kindFloat},
	14: {name: "pow_get_typec1", kind: kindFloat},
	15: {name: "pow_get_typec2", kind: kindFloat},
	16: {name: "pow_get_ac", kind: kindFloat},
	17: {name: "pow_get_12v", kind: kindFloat},
	18: {name: "pow_get_24v", kind: kindFloat},
	20: {name: "bms_batt_soc", kind: kindFloat},
	21: {name: "bms_batt_soh", kind: kindFloat},
	22: {name: "bms_design_cap", kind: kindVarint},
	23: {name: "bms_dsg_rem_time", kind: kindVarint},
	24: {name: "bms_chg_rem_time", kind: kindVarint},
	25: {name: "bms_min_cell_temp", kind: kindVarint},
	26: {name: "bms_max_cell_temp", kind: kindVarint},
	27: {name: "bms_min_mos_temp", kind: kindVarint},
	28: {name: "bms_max_mos_temp", kind: kindVarint},
	29: {name: "bms_cell_vol", kind: kindFloat},
	30: {name: "cms_batt_soc", kind: kindFloat},
	31: {name: "cms_batt_soh", kind: kindFloat},
	32: {name: "cms_dsg_rem_time", kind: kindVarint},
	33: {name: "cms_chg_rem_time", kind: kindVarint},
	34: {name: "cms_max_chg_soc", kind: kindVarint},
	35: {name: "cms_min_dsg_soc", kind: kindVarint},
	36: {name: "cms_oil_on_soc", kind: kindVarint},
	37: {name: "cms_oil_off_soc", kind: kindVarint},
	40: {name: "plug_in_info_pv_flag", kind: kindVarint},
	41: {name: "plug_in_info_pv_type", kind: kindVarint},
	42: {name: "plug_in_info_pv_chg_amp_max", kind: kindFloat},
	43: {name: "plug_in_info_ac_in_flag", kind: kindVarint},
	44: {name: "plug_in_info_ac_in_chg_pow_max", kind: kindFloat},
	45: {name: "flow_info_pv", kind: kindVarint},
	46: {name: "flow_info_ac_in", kind: kindVarint},
	47: {name: "flow_info_ac_out", kind: kindVarint},
	48: {name: "flow_info_12v", kind: kindVarint},
	49: {name: "flow_info_24v", kind: kindVarint},
	50: {
		name: "time_task_conf",
		kind: kindMessage,
		sub: map[protowire.Number]fieldSpec{
			1: {name: "task_index", kind: kindVarint},
			2: {name: "type", kind: kindVarint},
			3: {name: "time_mode", kind: kindVarint},
			4: {name: "is_cfg", kind: kindVarint},
			5: {name: "is_enable", kind: kindVarint},
		},
	},
	51: {
		name: "display_statistics_sum",
		kind: kindMessage,
		sub: map[protowire.Number]fieldSpec{
			1: {name: "statistics_object", kind: kindVarint},
			2: {name: "statistics_content", kind: kindFloat},
		},
	},
	52: {name: "dev_sleep_state", kind: kindVarint},
	53: {name: "en_beep", kind: kindVarint},
	54: {name: "ac_always_on_flag", kind: kindVarint},
	55: {name: "ac_always_on_mini_soc", kind: kindVarint},
	56: {name: "xboost_en", kind: kindVarint},
	57: {name: "fast_charge_switch", kind: kindVarint},
	58: {name: "dev_standby_poweroff", kind: kindVarint},
	60: {name: "utc_timezone_id", kind: kindString},
}
