package model

import (
	"github.com/pkg/errors"
)

// BackgroundName is the label of the background index.
const BackgroundName = "__background__"

// ClassSet is the ordered foreground label list of a dataset family. Index i
// is the i-th foreground class and index len(Names) is background, matching
// the head's label convention.
type ClassSet struct {
	Family Family
	Names  []string

	nameToIdx map[string]int
}

// newClassSet builds the name lookup of a set.
func newClassSet(family Family, names []string) *ClassSet {
	s := &ClassSet{Family: family, Names: names, nameToIdx: make(map[string]int, len(names))}
	for i, n := range names {
		s.nameToIdx[n] = i
	}
	return s
}

// NumClasses returns the number of foreground classes.
func (s *ClassSet) NumClasses() int {
	return len(s.Names)
}

// Name returns the label of idx. The background index maps to
// BackgroundName.
func (s *ClassSet) Name(idx int) (string, error) {
	switch {
	case idx == len(s.Names):
		return BackgroundName, nil
	case idx < 0 || idx > len(s.Names):
		return "", errors.Errorf("index %d out of range for %q", idx, s.Family)
	}
	return s.Names[idx], nil
}

// Index returns the index of a foreground label.
func (s *ClassSet) Index(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in %q", name, s.Family)
	}
	return idx, nil
}

// MapClass maps a foreground index of s to the index of the same label in
// to.
func (s *ClassSet) MapClass(idx int, to *ClassSet) (int, error) {
	name, err := s.Name(idx)
	if err != nil {
		return -1, err
	}
	if name == BackgroundName {
		return to.NumClasses(), nil
	}
	return to.Index(name)
}

// COCOClasses is the 80 COCO foreground classes.
var COCOClasses = newClassSet(FamilyCOCO, []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat", "traffic light",
	"fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant", "bed",
	"dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone", "microwave", "oven",
	"toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
})

// VOCClasses is the 20 Pascal VOC foreground classes.
var VOCClasses = newClassSet(FamilyVOC, []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
})

// Classes returns the class set of a family.
func (f Family) Classes() (*ClassSet, error) {
	switch f {
	case FamilyCOCO:
		return COCOClasses, nil
	case FamilyVOC:
		return VOCClasses, nil
	}
	return nil, errors.Errorf("unknown model family %q", f)
}
