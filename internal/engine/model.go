package engine

import (
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// dimensions of the hashed feature space.
const dimensions = 512

// modelFile is the on-disk YAML layout of a classifier.
//
//	categories:
//	  Dairy: [milk, cheese, yogurt]
//	  Produce: [apple, banana]
type modelFile struct {
	Categories map[string][]string `yaml:"categories"`
}

// model is a nearest-centroid classifier over hashed character trigrams.
type model struct {
	labels    []string
	centroids [][]float64
}

func loadModel(path string) (*model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var mf modelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	return buildModel(mf)
}

func buildModel(mf modelFile) (*model, error) {
	if len(mf.Categories) == 0 {
		return nil, fmt.Errorf("%w: no categories", ErrInvalidModel)
	}

	labels := make([]string, 0, len(mf.Categories))
	for label := range mf.Categories {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	m := &model{labels: labels, centroids: make([][]float64, len(labels))}
	for i, label := range labels {
		examples := mf.Categories[label]
		if len(examples) == 0 {
			return nil, fmt.Errorf("%w: category %q has no examples", ErrInvalidModel, label)
		}

		centroid := make([]float64, dimensions)
		for _, ex := range examples {
			for j, v := range embed(ex) {
				centroid[j] += v
			}
		}
		normalize(centroid)
		m.centroids[i] = centroid
	}
	return m, nil
}

// predict returns the label whose centroid is closest to the input.
// Ties resolve to the alphabetically first label.
func (m *model) predict(input string) string {
	vec := embed(input)

	best, bestScore := 0, math.Inf(-1)
	for i, c := range m.centroids {
		var score float64
		for j := range vec {
			score += vec[j] * c[j]
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return m.labels[best]
}

// embed maps text to a unit vector of hashed word and trigram features.
func embed(text string) []float64 {
	vec := make([]float64, dimensions)
	text = strings.ToLower(strings.TrimSpace(text))

	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		vec[bucket(word)] += 2

		padded := []rune(" " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			vec[bucket(string(padded[i:i+3]))]++
		}
	}

	normalize(vec)
	return vec
}

func bucket(feature string) int {
	h := fnv.New32a()
	h.Write([]byte(feature))
	return int(h.Sum32() % dimensions)
}

func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}
