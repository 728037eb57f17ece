package iface

import "time"

// NamesConf carries class names either inline or as a path to a names file.
type NamesConf struct {
	IsFile bool
	Data   any
}

type EngineConfig struct {
	Backend   string
	UseGPU    bool
	ModelPath string
	Names     NamesConf
	Conf      float32
	Iou       float32
	InputSize int
}

type Position struct {
	X, Y float32
}

// Box keeps all four corners so consumers never recompute them.
type Box struct {
	LT Position
	RT Position
	RB Position
	LB Position
}

func NewBox(x1, y1, x2, y2 float32) Box {
	return Box{
		LT: Position{X: x1, Y: y1},
		RT: Position{X: x2, Y: y1},
		RB: Position{X: x2, Y: y2},
		LB: Position{X: x1, Y: y2},
	}
}

// XYXY returns the box as x1, y1, x2, y2.
func (b Box) XYXY() (float32, float32, float32, float32) {
	return b.LT.X, b.LT.Y, b.RB.X, b.RB.Y
}

func (b Box) Center() Position {
	return Position{
		X: (b.LT.X + b.RB.X) / 2,
		Y: (b.LT.Y + b.RB.Y) / 2,
	}
}

// Result is one detected digit.
type Result struct {
	ClassID int
	Name    string
	Conf    float32
	Box     Box
	Center  Position
}

func NewResult(classID int, name string, conf float32, box Box) Result {
	return Result{
		ClassID: classID,
		Name:    name,
		Conf:    conf,
		Box:     box,
		Center:  box.Center(),
	}
}

// Outcome is what a finished detection hands back to the UI and the worker.
type Outcome struct {
	Detections []Result
	Digits     []int
	Reading    string
	Annotated  []byte
	Elapsed    time.Duration
}
