// Package gpio defines the narrow driver contract used to drive relay pins.
//
// A Driver sets and reads the raw electrical level of one physical pin. The
// translation between logical On/Off and raw levels (active-low wiring) is
// done by the caller; drivers only ever see levels.
//
// Two drivers are provided:
//   - ShellDriver runs an external command (the wiringPi "gpio" utility by
//     default) for every operation.
//   - SimDriver keeps levels in memory and can inject faults. It is used by
//     tests and by "hearthd serve --driver sim" on machines without GPIO.
package gpio
