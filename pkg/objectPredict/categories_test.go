package objectPredict

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		class int
		want  Category
		ok    bool
	}{
		{0, Person, true},
		{1, Vehicle, true},
		{2, Vehicle, true},
		{3, Vehicle, true},
		{4, 0, false}, // airplane
		{5, Vehicle, true},
		{6, 0, false}, // train
		{7, Vehicle, true},
		{8, 0, false}, // boat
		{13, 0, false},
		{14, Animal, true},
		{19, Animal, true},
		{23, Animal, true},
		{24, 0, false},
		{79, 0, false},
		{-1, 0, false},
		{80, 0, false},
	}
	for _, tt := range tests {
		t.Run(ClassName(tt.class), func(t *testing.T) {
			cat, ok := CategoryOf(tt.class)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.want, cat)
			}
		})
	}
}

func TestClassesOf(t *testing.T) {
	require.Equal(t, []int{0}, ClassesOf(Person))
	require.Equal(t, []int{1, 2, 3, 5, 7}, ClassesOf(Vehicle))
	require.Equal(t, []int{14, 15, 16, 17, 18, 19, 20, 21, 22, 23}, ClassesOf(Animal))
}

func TestCategoryJSON(t *testing.T) {
	for _, c := range Categories {
		data, err := json.Marshal(c)
		require.NoError(t, err)

		var back Category
		require.NoError(t, json.Unmarshal(data, &back))
		require.Equal(t, c, back)
	}
	var c Category
	require.Error(t, json.Unmarshal([]byte(`"boat"`), &c))
}
