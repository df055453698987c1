// Package pipeline is the composition root of the radar: it builds the
// data path from a configuration, feeds it from a chirp source and hands
// finished frames to the output transports.
//
// The pipeline owns no signal processing. It delegates to the datapath
// task and the output gate, and implements the CLI's sensor lifecycle on
// top of them.
package pipeline
