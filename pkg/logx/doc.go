// Package logx is dosewatch's logging facade over zerolog.
//
// Components take a Logger by value and tag it with With(String("comp", ...)).
// The Service built from the logging config section owns the sinks (console
// and an optional JSON file) and swaps them in place on reload.
package logx
