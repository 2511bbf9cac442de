// Copyright 2021 UCL CS Diamant
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the game engine server: it allocates pending matches to
// game runner workers and folds their reported results into player ratings.
package main

import (
	"github.com/ucl-cs-diamant/arena/internal/app/gameengine"
	"github.com/ucl-cs-diamant/arena/internal/appmain"
)

func main() {
	appmain.RunApplication("gameengine", gameengine.BindService)
}
